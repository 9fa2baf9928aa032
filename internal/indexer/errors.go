// Copyright 2025 James Ross
package indexer

import "errors"

// ErrBadInput marks malformed submissions: missing required fields or
// payloads that are not images. Surfaced to HTTP callers as 400.
var ErrBadInput = errors.New("bad input")
