// Package store persists download history for the -stats report.
package store

import (
	"context"
	"time"
)

// Download is one file streamed to a client.
type Download struct {
	Path     string // display path, e.g. www/foo.txt
	Paid     bool
	Bytes    int64
	ServedAt time.Time
}

// FileCount is a per-path download count.
type FileCount struct {
	Path      string
	Downloads int
	Bytes     int64
}

// DailyStats holds download counts for a single day (UTC).
type DailyStats struct {
	Date          string // YYYY-MM-DD
	Downloads     int
	PaidDownloads int
	Bytes         int64
}

// Stats contains aggregate statistics about served files.
type Stats struct {
	TotalDownloads int
	PaidDownloads  int
	FreeDownloads  int
	TotalBytes     int64
	PaidBytes      int64
	FirstDownload  time.Time
	LastDownload   time.Time
	DailyStats     []DailyStats // most recent first
}

// Store defines the interface for history persistence.
type Store interface {
	RecordDownload(ctx context.Context, d *Download) error
	TopFiles(ctx context.Context, limit int) ([]FileCount, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
