package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func testVariableStore(t *testing.T, s VariableStore) {
	ctx := context.Background()

	v, err := s.Fetch(ctx, "scheduler-default")
	assert.NilError(t, err)
	assert.Equal(t, v.Version, int64(0))
	assert.Assert(t, v.Value == nil)

	first, err := s.Store(ctx, v.Mutate([]byte("one")))
	assert.NilError(t, err)
	assert.Assert(t, first.Version > 0)

	// 用旧版本写入必须冲突
	_, err = s.Store(ctx, v.Mutate([]byte("stale")))
	assert.Assert(t, errors.Is(err, ErrConflict), "got %v", err)

	second, err := s.Store(ctx, first.Mutate([]byte("two")))
	assert.NilError(t, err)
	assert.Assert(t, second.Version > first.Version)

	got, err := s.Fetch(ctx, "scheduler-default")
	assert.NilError(t, err)
	assert.Equal(t, string(got.Value), "two")
	assert.Equal(t, got.Version, second.Version)

	other, err := s.Fetch(ctx, "scheduler-other")
	assert.NilError(t, err)
	assert.Equal(t, other.Version, int64(0))
}

func TestMemoryStore(t *testing.T) {
	testVariableStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewBoltStore(path)
	assert.NilError(t, err)
	testVariableStore(t, s)
	assert.NilError(t, s.Close())

	// 重新打开后数据和版本号都还在
	reopened, err := NewBoltStore(path)
	assert.NilError(t, err)
	defer reopened.Close()
	got, err := reopened.Fetch(context.Background(), "scheduler-default")
	assert.NilError(t, err)
	assert.Equal(t, string(got.Value), "two")
	assert.Equal(t, got.Version, int64(2))
}
