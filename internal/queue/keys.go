// Copyright 2025 James Ross
package queue

import "fmt"

// Keys owns the key naming policy for everything the queue touches.
type Keys struct {
	Prefix string
}

func (k Keys) Pending() string { return k.Prefix + ":queue:pending" }
func (k Keys) Job(id string) string { return fmt.Sprintf("%s:job:%s", k.Prefix, id) }
func (k Keys) JobPattern() string { return k.Prefix + ":job:*" }
func (k Keys) Worker(id string) string { return fmt.Sprintf("%s:worker:%s", k.Prefix, id) }
func (k Keys) WorkerPattern() string { return k.Prefix + ":worker:*" }
