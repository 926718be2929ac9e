package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashing.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "offsync/snapshot/v1"
	DomainContent  = "offsync/content/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotChecksum hashes the canonical form of ops in the order given.
// Callers sort before hashing; Export sorts by id.
func SnapshotChecksum(ops []Operation) (string, error) {
	canonical, err := MarshalCanonicalOperations(ops)
	if err != nil {
		return "", fmt.Errorf("SnapshotChecksum: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// ContentHash hashes a document body. Two bodies that differ only in key
// order or whitespace hash identically.
func ContentHash(content []byte) (string, error) {
	canonical, err := CanonicalPayload(content)
	if err != nil {
		return "", fmt.Errorf("ContentHash: %w", err)
	}
	return hashWithDomain(DomainContent, canonical), nil
}
