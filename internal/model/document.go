package model

import (
	"encoding/json"
	"time"
)

// DocumentVersion is one immutable entry in a panel's version history.
// Versions for a (DocumentID, PanelID) pair run 1..N with no gaps.
type DocumentVersion struct {
	DocumentID  string          `json:"documentId"`
	PanelID     string          `json:"panelId"`
	Version     int             `json:"version"`
	Content     json.RawMessage `json:"content"`
	PlainText   string          `json:"plainText"`
	ContentHash string          `json:"contentHash"`
	BaseVersion *int            `json:"baseVersion,omitempty"`
	BaseHash    string          `json:"baseHash,omitempty"`
	Conflict    bool            `json:"conflict"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// VersionAppend is everything a store needs to append one version. The
// derived fields (PlainText, ContentHash, Terms) are computed by the caller
// so the store stays ignorant of document structure.
type VersionAppend struct {
	DocumentID  string
	PanelID     string
	Content     json.RawMessage
	PlainText   string
	ContentHash string
	Terms       []string
	BaseVersion *int
	BaseHash    string
	Now         time.Time
}

// VersionAppendResult reports the version written and whether the write was
// based on something other than the latest stored version. PreviousVersion
// is the latest version before this append, 0 for a new panel.
type VersionAppendResult struct {
	Version         int  `json:"version"`
	Conflict        bool `json:"conflict"`
	PreviousVersion int  `json:"previousVersion"`
}

// DetectConflict decides whether an edit based on (baseVersion, baseHash)
// collides with the latest stored version. latest is nil when the panel has
// no history. A missing baseVersion is read as 0 ("I believe this is new").
// The hash is compared only when both sides have one.
func DetectConflict(latest *DocumentVersion, baseVersion *int, baseHash string) bool {
	latestVersion := 0
	if latest != nil {
		latestVersion = latest.Version
	}

	claimed := 0
	if baseVersion != nil {
		claimed = *baseVersion
	}
	if claimed != latestVersion {
		return true
	}

	if baseHash != "" && latest != nil && latest.ContentHash != "" && latest.ContentHash != baseHash {
		return true
	}
	return false
}

// SearchHit is one document panel matching a search query.
type SearchHit struct {
	DocumentID string `json:"documentId"`
	PanelID    string `json:"panelId"`
	Version    int    `json:"version"`
	PlainText  string `json:"plainText"`
}
