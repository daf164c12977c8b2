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

package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

// COSStore persists artifacts in a Tencent Cloud Object Storage bucket.
type COSStore struct {
	client *cos.Client
	base   string
}

// COSOption configures a COSStore.
type COSOption func(*cosOptions)

type cosOptions struct {
	secretID   string
	secretKey  string
	timeout    time.Duration
	httpClient *http.Client
}

// WithCOSCredentials sets the bucket credentials. When unset, the SDK's
// environment credentials apply.
func WithCOSCredentials(secretID, secretKey string) COSOption {
	return func(o *cosOptions) {
		o.secretID = secretID
		o.secretKey = secretKey
	}
}

// WithCOSTimeout bounds each storage request.
func WithCOSTimeout(d time.Duration) COSOption {
	return func(o *cosOptions) { o.timeout = d }
}

// WithCOSHTTPClient injects a pre-configured HTTP client (tests).
func WithCOSHTTPClient(c *http.Client) COSOption {
	return func(o *cosOptions) { o.httpClient = c }
}

// NewCOSStore connects to the bucket at bucketURL, e.g.
// "https://workbench-125000000.cos.ap-guangzhou.myqcloud.com".
func NewCOSStore(bucketURL string, opts ...COSOption) (*COSStore, error) {
	u, err := url.Parse(bucketURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("artifact: invalid bucket url %q", bucketURL)
	}
	options := &cosOptions{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(options)
	}
	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: options.timeout,
			Transport: &cos.AuthorizationTransport{
				SecretID:  options.secretID,
				SecretKey: options.secretKey,
			},
		}
	}
	return &COSStore{
		client: cos.NewClient(&cos.BaseURL{BucketURL: u}, httpClient),
		base:   strings.TrimSuffix(bucketURL, "/"),
	}, nil
}

// Save uploads the artifact and returns its object URL.
func (s *COSStore) Save(ctx context.Context, key string, art *Artifact) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: art.MimeType,
		},
	}
	if _, err := s.client.Object.Put(ctx, key, bytes.NewReader(art.Data), opt); err != nil {
		return "", fmt.Errorf("artifact: upload %s: %w", key, err)
	}
	return s.base + "/" + key, nil
}

// Load downloads the artifact stored under key.
func (s *COSStore) Load(ctx context.Context, key string) (*Artifact, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Object.Get(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: download %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", key, err)
	}
	mt := resp.Header.Get("Content-Type")
	if mt == "" {
		mt = "application/octet-stream"
	}
	name := key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		name = key[i+1:]
	}
	return &Artifact{Data: data, MimeType: mt, Name: name}, nil
}

// List returns object keys under prefix.
func (s *COSStore) List(ctx context.Context, prefix string) ([]string, error) {
	result, _, err := s.client.Bucket.Get(ctx, &cos.BucketGetOptions{Prefix: prefix})
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list %q: %w", prefix, err)
	}
	keys := make([]string, 0, len(result.Contents))
	for _, obj := range result.Contents {
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object under key.
func (s *COSStore) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.Object.Delete(ctx, key); err != nil && !cos.IsNotFoundError(err) {
		return fmt.Errorf("artifact: delete %s: %w", key, err)
	}
	return nil
}
