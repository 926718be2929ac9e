// Package snapshot moves export snapshots between the reconciler and
// storage: local files, S3 buckets and a watched inbox directory.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Sink stores snapshot bytes under a key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Encode returns the canonical on-disk form of s.
func Encode(s model.Snapshot) ([]byte, error) {
	data, err := model.MarshalCanonicalSnapshot(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot.
func Decode(data []byte) (model.Snapshot, error) {
	var s model.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Operations == nil {
		s.Operations = []model.Operation{}
	}
	return s, nil
}

// FileSink stores snapshots as files. Keys are paths.
type FileSink struct{}

// Put writes data atomically: a temp file in the same directory is renamed
// over key.
func (FileSink) Put(_ context.Context, key string, data []byte) error {
	dir := filepath.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), key); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Get reads the file at key.
func (FileSink) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Locations resolves snapshot locations: "s3://bucket/key" goes to S3,
// anything else is a file path.
type Locations struct {
	S3 S3Config

	newS3 func(ctx context.Context, cfg S3Config, bucket string) (Sink, error)
}

// Save encodes s and stores it at location.
func (l Locations) Save(ctx context.Context, location string, s model.Snapshot) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	sink, key, err := l.resolve(ctx, location)
	if err != nil {
		return err
	}
	return sink.Put(ctx, key, data)
}

// Load reads and decodes the snapshot at location.
func (l Locations) Load(ctx context.Context, location string) (model.Snapshot, error) {
	sink, key, err := l.resolve(ctx, location)
	if err != nil {
		return model.Snapshot{}, err
	}
	data, err := sink.Get(ctx, key)
	if err != nil {
		return model.Snapshot{}, err
	}
	return Decode(data)
}

func (l Locations) resolve(ctx context.Context, location string) (Sink, string, error) {
	if !strings.HasPrefix(location, "s3://") {
		if strings.TrimSpace(location) == "" {
			return nil, "", fmt.Errorf("empty snapshot location")
		}
		return FileSink{}, location, nil
	}
	bucket, key, err := ParseS3URL(location)
	if err != nil {
		return nil, "", err
	}
	newS3 := l.newS3
	if newS3 == nil {
		newS3 = func(ctx context.Context, cfg S3Config, bucket string) (Sink, error) {
			return NewS3Sink(ctx, cfg, bucket)
		}
	}
	sink, err := newS3(ctx, l.S3, bucket)
	if err != nil {
		return nil, "", err
	}
	return sink, key, nil
}
