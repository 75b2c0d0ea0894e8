package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LionTao/misty/internal/model"
)

func exerciseStore(t *testing.T, s StateStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	value, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value, "staged writes are visible before flush")

	require.NoError(t, s.Flush(ctx))
	value, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, s.Set(ctx, "a", []byte("2")))
	require.NoError(t, s.Flush(ctx))
	value, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Flush(ctx))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Flush(ctx), "empty flush")
	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	assert.False(t, s.Committed("k"))
	require.NoError(t, s.Flush(ctx))
	assert.True(t, s.Committed("k"))
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "persisted", []byte("yes")))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), value)
}

func TestCodec(t *testing.T) {
	snapshot := model.ShardSnapshot{
		Cell:       "85283473fffffff",
		Resolution: 5,
		Buffer: []model.TrajectorySegment{{
			ID:    "t1",
			Start: model.TrajectoryPoint{ID: "t1", Timestamp: 1, Lng: 1, Lat: 2},
			End:   model.TrajectoryPoint{ID: "t1", Timestamp: 2, Lng: 3, Lat: 4},
		}},
		Retired: true,
	}

	plain, err := NewCodec(false)
	require.NoError(t, err)
	defer plain.Close()
	compressed, err := NewCodec(true)
	require.NoError(t, err)
	defer compressed.Close()

	data, err := compressed.Encode(snapshot)
	require.NoError(t, err)
	assert.Equal(t, zstdMagic, data[:4])

	// a plain codec still reads compressed values
	var decoded model.ShardSnapshot
	require.NoError(t, plain.Decode(data, &decoded))
	assert.Equal(t, snapshot, decoded)

	assert.Error(t, plain.Decode([]byte("{"), &decoded))
}

func TestLoadSave(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop())
	c, err := NewCodec(true)
	require.NoError(t, err)
	defer c.Close()

	var snap model.DirectorySnapshot
	found, err := Load(ctx, s, c, DirectoryKey(), &snap)
	require.NoError(t, err)
	assert.False(t, found)

	want := model.DirectorySnapshot{Retired: []string{"x"}}
	require.NoError(t, Save(ctx, s, c, DirectoryKey(), want))
	found, err = Load(ctx, s, c, DirectoryKey(), &snap)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, snap)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "shard/abc", ShardKey("abc"))
	assert.Equal(t, "shard/abc/retired", RetiredKey("abc"))
	assert.Equal(t, "trajectory/t1", TrajectoryKey("t1"))
}

func TestStaging_InflightWritesStayVisible(t *testing.T) {
	var s staging
	s.set("a", []byte("1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := s.flush(func(writes map[string]pendingWrite) error {
			close(entered)
			<-release
			return nil
		})
		first <- err
	}()
	<-entered

	value, deleted, ok := s.lookup("a")
	require.True(t, ok, "key being committed must stay readable")
	assert.False(t, deleted)
	assert.Equal(t, []byte("1"), value)

	s.set("b", []byte("2"))
	var committed []string
	second := make(chan error, 1)
	go func() {
		_, err := s.flush(func(writes map[string]pendingWrite) error {
			for k := range writes {
				committed = append(committed, k)
			}
			return nil
		})
		second <- err
	}()

	select {
	case <-second:
		t.Fatal("flush returned before the commit in flight finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, []string{"b"}, committed)

	_, _, ok = s.lookup("a")
	assert.False(t, ok, "committed writes leave the stage")
}

func TestStaging_FailedCommitIsRestaged(t *testing.T) {
	var s staging
	s.set("a", []byte("old"))
	s.set("b", []byte("1"))

	n, err := s.flush(func(writes map[string]pendingWrite) error {
		s.set("a", []byte("new"))
		return fmt.Errorf("connection reset")
	})
	require.Error(t, err)
	assert.Equal(t, 2, n)

	value, _, ok := s.lookup("a")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), value, "newer staged write wins over the failed one")
	value, _, ok = s.lookup("b")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	var committed map[string]pendingWrite
	_, err = s.flush(func(writes map[string]pendingWrite) error {
		committed = writes
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, committed, 2)
}
