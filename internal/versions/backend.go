package versions

import (
	"context"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Backend persists versions. AppendVersion must read the latest version,
// decide the conflict and insert in one transaction serialized per
// (documentID, panelID). Implemented by internal/store and internal/pgstore.
type Backend interface {
	AppendVersion(ctx context.Context, in model.VersionAppend) (model.VersionAppendResult, error)
	LatestVersion(ctx context.Context, documentID, panelID string) (model.DocumentVersion, error)
	GetVersion(ctx context.Context, documentID, panelID string, version int) (model.DocumentVersion, error)
	ListVersions(ctx context.Context, documentID, panelID string, limit int) ([]model.DocumentVersion, error)
	Search(ctx context.Context, terms []string, limit int) ([]model.SearchHit, error)
}

// Recorder receives version events for metrics.
type Recorder interface {
	Appended()
	Conflict()
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) Appended() {}
func (NopRecorder) Conflict() {}
