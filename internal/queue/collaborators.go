package queue

import (
	"context"

	"github.com/RoaringBitmap/roaring"

	"swarmq/internal/hashing"
)

// HashService stores hash trees and hashes finished files.
type HashService interface {
	TreeInfo(tth hashing.Value) (blockSize int64, ok bool)
	Tree(tth hashing.Value) (*hashing.Tree, bool)
	AddTree(t *hashing.Tree)
	RequestHash(path string, size int64, done func(*hashing.Tree, error))
}

// ConnectionService opens connections to sources.
type ConnectionService interface {
	IsOnline(user UserID) bool
	Connect(user HintedUser, token string, secure bool) error
	ExpectIncoming(token string, user UserID, hub string)
}

type ScanResult uint8

const (
	ScanOK ScanResult = iota
	ScanMissing
	ScanSharingFailed
)

// ShareScanner checks finished bundles and adds them to the local share.
type ShareScanner interface {
	ScanBundle(ctx context.Context, target string, files []string) ScanResult
	ShareBundle(ctx context.Context, target string) error
}

// SharedHashes lists the content hashes of the local share.
type SharedHashes interface {
	SharedTTHs() []hashing.Value
}

// PartialQuerier asks a partial source which blocks it has, telling it which
// blocks we have.
type PartialQuerier interface {
	SendPartialQuery(user HintedUser, tth hashing.Value, blockSize int64, ours *roaring.Bitmap) error
}
