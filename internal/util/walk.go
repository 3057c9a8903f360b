package util

import (
	"context"
	"io/fs"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// WalkFunc is called once per file, possibly from several goroutines
type WalkFunc func(ctx context.Context, path string) error

// SkipFunc reports whether a path should be left out of the walk
type SkipFunc func(path string, isDir bool) bool

// Ignored directories that never hold corpus files
var defaultSkipDirs = map[string]bool{
	".git": true, "node_modules": true, ".vscode": true, ".idea": true, "vendor": true,
	"target": true, "build": true, "dist": true, "__pycache__": true, ".pytest_cache": true,
	"coverage": true, "site-packages": true, ".next": true, ".nuxt": true, "venv": true,
}

// SkipCommonDirs skips version control, dependency and build output directories
func SkipCommonDirs(path string, isDir bool) bool {
	return isDir && defaultSkipDirs[filepath.Base(path)]
}

// WalkDirTree walks root and hands every regular file to walkFn on numThreads workers.
// A failing file is logged and does not stop the walk. The walk stops early when ctx is done.
func WalkDirTree(ctx context.Context, root string, walkFn WalkFunc, skipPath SkipFunc, logger *zap.Logger, gcThreshold int64, numThreads int) error {
	if numThreads < 1 {
		numThreads = 1
	}
	if skipPath == nil {
		skipPath = SkipCommonDirs
	}

	var processedCount atomic.Int64
	workQueue := make(chan string, numThreads)
	var wg sync.WaitGroup

	for i := 0; i < numThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range workQueue {
				n := processedCount.Add(1)
				if gcThreshold > 0 && n%gcThreshold == 0 {
					logger.Info("WalkDirTree - Triggering GC after processing files",
						zap.Int64("files_processed", n))
					runtime.GC()
				}

				if err := walkFn(ctx, path); err != nil {
					logger.Warn("WalkDirTree - Failed to process file", zap.String("path", path), zap.Error(err))
				}
			}
		}()
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if skipPath(path, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		select {
		case workQueue <- path:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(workQueue)
	wg.Wait()

	return err
}
