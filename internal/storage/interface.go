package storage

import "context"

// SnapshotStore uploads one ledger snapshot object and returns its URL.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, key string, body []byte) (string, error)
}
