// Package localfs keeps one session snapshot per key as a JSON file.
package localfs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

const snapshotExt = ".json"

type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/sessions"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// path encodes the key so that any slot name maps to one flat file.
func (s *Storage) path(key string) string {
	return filepath.Join(s.basePath, base64.RawURLEncoding.EncodeToString([]byte(key))+snapshotExt)
}

func (s *Storage) Load(_ context.Context, key string) (*domain.SessionRecord, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, domain.WrapError(domain.ErrUnrecoverableSession, "decode snapshot", err)
	}
	return &rec, nil
}

// Save replaces the slot atomically via a temp file and rename.
func (s *Storage) Save(_ context.Context, key string, record domain.SessionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	f, err := os.CreateTemp(s.basePath, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (s *Storage) Clear(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// PurgeOlderThan removes snapshots saved before cutoff. Files that no longer
// decode are aged by their modification time.
func (s *Storage) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, fmt.Errorf("read session dir: %w", err)
	}
	purged := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		path := filepath.Join(s.basePath, name)
		savedAt, ok := snapshotTime(path)
		if !ok {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			savedAt = info.ModTime()
		}
		if !savedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return purged, fmt.Errorf("remove snapshot: %w", err)
		}
		purged++
	}
	return purged, nil
}

func snapshotTime(path string) (time.Time, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Timestamp == 0 {
		return time.Time{}, false
	}
	return rec.SavedAt(), true
}
