// Copyright 2025 James Ross
package staging

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var ErrBadImage = errors.New("payload is not a supported image")

var supportedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var supportedExts = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Dir stages image payloads on local disk between submission and worker
// processing. Refs handed out are absolute paths inside the root.
type Dir struct {
	root string
}

func New(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Validate checks that data is a supported image and returns the file
// extension to stage it under. Content sniffing wins; the filename
// extension only breaks ties when sniffing is inconclusive.
func Validate(data []byte, filename, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrBadImage)
	}
	sniffed := http.DetectContentType(data)
	if ext, ok := supportedTypes[sniffed]; ok {
		return ext, nil
	}
	if sniffed == "application/octet-stream" {
		ext := strings.ToLower(filepath.Ext(filename))
		if _, ok := supportedExts[ext]; ok {
			return ext, nil
		}
		if _, ok := supportedTypes[contentType]; ok {
			return supportedTypes[contentType], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrBadImage, sniffed)
}

// Put writes the payload under the job id and returns its ref.
func (d *Dir) Put(jobID string, data []byte, ext string) (string, error) {
	name := filepath.Base(jobID) + ext
	path := filepath.Join(d.root, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("stage payload: %w", err)
	}
	return path, nil
}

// Read loads a staged payload by ref.
func (d *Dir) Read(ref string) ([]byte, error) {
	if !d.inRoot(ref) {
		return nil, fmt.Errorf("ref %q outside staging root", ref)
	}
	return os.ReadFile(ref)
}

// Remove unlinks a staged payload. A missing file is not an error.
func (d *Dir) Remove(ref string) error {
	if !d.inRoot(ref) {
		return fmt.Errorf("ref %q outside staging root", ref)
	}
	err := os.Remove(ref)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *Dir) inRoot(ref string) bool {
	abs, err := filepath.Abs(ref)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, d.root+string(os.PathSeparator))
}
