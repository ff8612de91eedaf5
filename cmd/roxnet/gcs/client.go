// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type Client struct {
	storageClient *storage.Client
	BucketName    string

	// PerObjectTimeout bounds each object download in DownloadPrefix.
	// Zero means no per-object limit beyond the caller's context.
	PerObjectTimeout time.Duration
}

// NewClient opens the release bucket. With an empty saKeyPath the
// client is anonymous, which is all a public release bucket needs.
func NewClient(ctx context.Context, bucketName, saKeyPath string) (*Client, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name is empty; set fetch.bucket in the config or pass --bucket")
	}

	var opts []option.ClientOption
	if saKeyPath == "" {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s. Please ensure you have the correct key and it is accessible", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Client{
		storageClient: storageClient,
		BucketName:    bucketName,
	}, nil
}

// Close releases the underlying storage client.
func (c *Client) Close() error {
	if c.storageClient == nil {
		return nil
	}
	return c.storageClient.Close()
}

// DownloadedObject describes one object fetched into the local tree.
type DownloadedObject struct {
	Name      string // object name in the bucket
	LocalPath string
	Size      int64
}

// localPathFor maps an object name under gcsPrefix into destDir,
// preserving any sub-path. Object names come from the bucket listing
// and are untrusted; anything that would escape destDir is rejected.
func localPathFor(destDir, gcsPrefix, objectName string) (string, error) {
	rel := strings.TrimPrefix(objectName, gcsPrefix)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", fmt.Errorf("object name %q has no path under prefix %q", objectName, gcsPrefix)
	}

	local := filepath.Join(destDir, filepath.FromSlash(rel))
	cleanDest := filepath.Clean(destDir) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(local)+string(filepath.Separator), cleanDest) {
		return "", fmt.Errorf("object name %q escapes the destination directory", objectName)
	}
	return local, nil
}

// DownloadFile fetches a single object into localPath. The data lands
// in a temp file first and is renamed into place, so a failed download
// never leaves a half-written artifact under the final name.
func (c *Client) DownloadFile(ctx context.Context, gcsPath, localPath string) (int64, error) {
	obj := c.storageClient.Bucket(c.BucketName).Object(gcsPath)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open GCS object %s: %w", gcsPath, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", localPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file for %s: %w", localPath, err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, reader)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to copy GCS object %s to %s: %w", gcsPath, localPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp file for %s: %w", localPath, err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to move %s into place: %w", localPath, err)
	}
	return n, nil
}

// downloadOne applies PerObjectTimeout around a single download.
func (c *Client) downloadOne(ctx context.Context, gcsPath, localPath string) (int64, error) {
	if c.PerObjectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.PerObjectTimeout)
		defer cancel()
	}
	return c.DownloadFile(ctx, gcsPath, localPath)
}

// DownloadPrefix fetches every object under gcsPrefix into destDir and
// returns what it downloaded. Placeholder "directory" objects are
// skipped.
func (c *Client) DownloadPrefix(ctx context.Context, gcsPrefix, destDir string) ([]DownloadedObject, error) {
	if destDir == "" {
		return nil, fmt.Errorf("destination directory is empty")
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory %s: %w", destDir, err)
	}

	var downloaded []DownloadedObject
	it := c.storageClient.Bucket(c.BucketName).Objects(ctx, &storage.Query{Prefix: gcsPrefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return downloaded, fmt.Errorf("failed to list gs://%s/%s: %w", c.BucketName, gcsPrefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}

		local, err := localPathFor(destDir, gcsPrefix, attrs.Name)
		if err != nil {
			return downloaded, err
		}
		n, err := c.downloadOne(ctx, attrs.Name, local)
		if err != nil {
			return downloaded, err
		}
		downloaded = append(downloaded, DownloadedObject{
			Name:      attrs.Name,
			LocalPath: local,
			Size:      n,
		})
	}

	if len(downloaded) == 0 {
		return nil, fmt.Errorf("no objects found under gs://%s/%s", c.BucketName, gcsPrefix)
	}
	return downloaded, nil
}
