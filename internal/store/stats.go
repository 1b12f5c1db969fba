package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Stats describes the on-disk footprint of the store.
type Stats struct {
	Rows          int64 `json:"rows"`
	PageSize      int64 `json:"page_size"`
	PageCount     int64 `json:"page_count"`
	FreelistCount int64 `json:"freelist_count"`
	FileBytes     int64 `json:"file_bytes"`
	WALBytes      int64 `json:"wal_bytes"`
}

// ReclaimableBytes is the space a reclaim pass would release.
func (s Stats) ReclaimableBytes() int64 {
	return s.FreelistCount * s.PageSize
}

// TotalBytes is the database file plus its write-ahead log.
func (s Stats) TotalBytes() int64 {
	return s.FileBytes + s.WALBytes
}

// Stats collects page accounting and file sizes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	pragmas := []struct {
		name string
		dst  *int64
	}{
		{"page_size", &st.PageSize},
		{"page_count", &st.PageCount},
		{"freelist_count", &st.FreelistCount},
	}
	for _, p := range pragmas {
		if err := s.reader.QueryRowContext(ctx, "PRAGMA "+p.name).Scan(p.dst); err != nil {
			return Stats{}, fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}

	rows, err := s.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.Rows = rows

	if s.path != "" {
		st.FileBytes, err = fileSize(s.path)
		if err != nil {
			return Stats{}, err
		}
		st.WALBytes, err = fileSize(s.path + "-wal")
		if err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}
