package model

import (
	"fmt"
	"time"
)

// Snapshot is the export wire format. Checksum covers Operations only, so
// two exports of the same logical set checksum identically regardless of
// when they were taken.
type Snapshot struct {
	Version    int         `json:"version"`
	Operations []Operation `json:"operations"`
	Checksum   string      `json:"checksum"`
	ExportedAt time.Time   `json:"exportedAt"`
}

// MarshalCanonicalSnapshot serializes a snapshot canonically. This is the
// on-disk form written by export, so identical snapshots are identical
// files.
func MarshalCanonicalSnapshot(s Snapshot) ([]byte, error) {
	ops := make([]any, len(s.Operations))
	for i, op := range s.Operations {
		m, err := op.canonicalMap()
		if err != nil {
			return nil, fmt.Errorf("operation[%d]: %w", i, err)
		}
		ops[i] = m
	}
	return MarshalCanonical(map[string]any{
		"version":    s.Version,
		"operations": ops,
		"checksum":   s.Checksum,
		"exportedAt": canonicalTime(s.ExportedAt),
	})
}

// ImportRequest is the import wire format.
type ImportRequest struct {
	Version      int         `json:"version"`
	Operations   []Operation `json:"operations"`
	Checksum     string      `json:"checksum,omitempty"`
	ValidateOnly bool        `json:"validateOnly,omitempty"`
}

// ImportRequestFromSnapshot turns an exported snapshot into an import request.
func ImportRequestFromSnapshot(s Snapshot, validateOnly bool) ImportRequest {
	return ImportRequest{
		Version:      s.Version,
		Operations:   s.Operations,
		Checksum:     s.Checksum,
		ValidateOnly: validateOnly,
	}
}

// ImportError is a per-operation import problem. OperationIndex is -1 for
// problems that concern the whole request (e.g. a checksum mismatch that did
// not abort the import).
type ImportError struct {
	OperationIndex int    `json:"operationIndex"`
	Reason         string `json:"reason"`
}

// ImportResult is the import response.
type ImportResult struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}
