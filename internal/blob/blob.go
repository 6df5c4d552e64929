// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package blob provides read-only access to keypoint payloads produced
// by the upstream extraction pipeline. The matching core never writes
// here; refs stored on product_images and video_frames rows resolve to
// payload bytes through a Reader.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/framematch/framematch/internal/config"
)

// ErrNotFound is returned when a ref resolves to no payload.
var ErrNotFound = errors.New("blob not found")

// KeypointPayload is the extracted keypoint set of one image or frame.
// Descriptors are row vectors; Points carry the (x, y) pixel positions
// in the same order. Points may be empty when the extractor only
// emitted descriptors.
type KeypointPayload struct {
	Descriptors [][]float32  `json:"descriptors"`
	Points      [][2]float32 `json:"points,omitempty"`
}

// Reader resolves keypoint refs to payloads.
type Reader interface {
	Keypoints(ctx context.Context, ref string) (*KeypointPayload, error)
}

// FSReader reads keypoint payloads from a directory tree. Refs are
// slash-separated relative paths to JSON files.
type FSReader struct {
	root string
}

// NewFSReader returns a Reader rooted at cfg.RootDir.
func NewFSReader(cfg config.BlobConfig) *FSReader {
	return &FSReader{root: cfg.RootDir}
}

// Keypoints reads and decodes the payload at ref. Refs escaping the
// root directory are rejected.
func (r *FSReader) Keypoints(ctx context.Context, ref string) (*KeypointPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: empty ref", ErrNotFound)
	}

	clean := filepath.Clean(filepath.FromSlash(ref))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid keypoint ref %q", ref)
	}

	data, err := os.ReadFile(filepath.Join(r.root, clean))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keypoint payload %s: %w", ref, err)
	}

	var payload KeypointPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode keypoint payload %s: %w", ref, err)
	}
	return &payload, nil
}
