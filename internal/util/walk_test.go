package util

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWalkDirTree(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.txt", "sub/b.txt", ".git/config", "node_modules/x/y.js", "bad.txt"} {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}

	var mu sync.Mutex
	var seen []string
	walkFn := func(ctx context.Context, path string) error {
		rel := filepath.ToSlash(ToRelativePath(root, path))
		mu.Lock()
		seen = append(seen, rel)
		mu.Unlock()
		if rel == "bad.txt" {
			return errors.New("unreadable")
		}
		return nil
	}

	err := WalkDirTree(context.Background(), root, walkFn, nil, zap.NewNop(), 2, 3)
	require.NoError(t, err)
	sort.Strings(seen)
	assert.Equal(t, []string{"a.txt", "bad.txt", "sub/b.txt"}, seen)
}

func TestWalkDirTree_Canceled(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WalkDirTree(ctx, root, func(context.Context, string) error { return nil }, nil, zap.NewNop(), 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToRelativePath(t *testing.T) {
	assert.Equal(t, filepath.Join("b", "c.go"), ToRelativePath("/a", "/a/b/c.go"))
	assert.Equal(t, "rel/c.go", ToRelativePath("/a", "rel/c.go"))
	assert.Equal(t, 3, *Ptr(3))
}
