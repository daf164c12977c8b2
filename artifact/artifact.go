//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

// Package artifact stores workbench outputs: rendered reports and saved
// graph documents. Stores are keyed by path-like names such as
// "reports/backtest.pdf" or "graphs/hourly.json".
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a key has no stored artifact.
var ErrNotFound = errors.New("artifact not found")

// Artifact is one stored object.
type Artifact struct {
	// Data contains the raw bytes.
	Data []byte
	// MimeType is the IANA MIME type of Data.
	MimeType string
	// Name is an optional display name, typically the filename.
	Name string
}

// Store persists artifacts. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save writes the artifact under key, replacing any previous value,
	// and returns a locator the transport can hand to clients.
	Save(ctx context.Context, key string, art *Artifact) (string, error)
	// Load returns the artifact stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) (*Artifact, error)
	// List returns the keys under the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the artifact under key. Missing keys are not an
	// error.
	Delete(ctx context.Context, key string) error
}

// CleanKey normalizes and validates a storage key. Keys are relative
// slash-separated paths without traversal segments.
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("artifact: empty key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("artifact: invalid key %q", key)
		}
	}
	return key, nil
}
