package domain

import "context"

// Source reads the raw identity mapping. Implementations return
// errs.TransientFetchError for failures worth retrying.
type Source interface {
	Name() string
	Rows(ctx context.Context) ([]MappingRow, error)
}

// SnapshotStore keeps the last snapshot that loaded cleanly.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	Latest(ctx context.Context) (*Snapshot, error)
}
