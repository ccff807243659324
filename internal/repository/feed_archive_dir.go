package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/repository"
)

// DirFeedArchive stores each raw frame as a JSON file in a directory. File
// names sort in arrival order.
type DirFeedArchive struct {
	dir string
	mu  sync.Mutex
	seq uint64
}

// NewDirFeedArchive creates the directory if needed.
func NewDirFeedArchive(dir string) (repository.FeedArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}
	return &DirFeedArchive{dir: dir}, nil
}

func (a *DirFeedArchive) Archive(_ context.Context, f models.RawFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	a.mu.Lock()
	a.seq++
	name := fmt.Sprintf("%s_%d_%08d.json", f.ProductID, f.ReceivedAt.UnixNano(), a.seq)
	a.mu.Unlock()

	tmp := filepath.Join(a.dir, "."+name)
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return os.Rename(tmp, filepath.Join(a.dir, name))
}

func (a *DirFeedArchive) Close() error { return nil }

// ReadDirFrames loads archived frames from dir in arrival order.
func ReadDirFrames(dir string) ([]models.RawFrame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	frames := make([]models.RawFrame, 0, len(names))
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		var f models.RawFrame
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}
