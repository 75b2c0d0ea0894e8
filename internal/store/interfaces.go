package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// StateStore is the persistence substrate for actor state.
// Set and Delete are staged and become durable on Flush; Get observes staged writes.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Key layout shared by shards, the directory and the assembler
const (
	directoryKey = "directory"
)

// ShardKey is the snapshot key of a shard
func ShardKey(cell string) string {
	return "shard/" + cell
}

// RetiredKey is the retirement marker of a shard
func RetiredKey(cell string) string {
	return "shard/" + cell + "/retired"
}

// DirectoryKey is the snapshot key of the routing directory
func DirectoryKey() string {
	return directoryKey
}

// TrajectoryKey is the point sequence key of a trajectory
func TrajectoryKey(id string) string {
	return "trajectory/" + id
}
