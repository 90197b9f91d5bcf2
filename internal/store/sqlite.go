package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// :memory: databases are per connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			paid INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL,
			served_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS downloads_path ON downloads (path)`)
	return err
}

func (s *SQLiteStore) RecordDownload(ctx context.Context, d *Download) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (path, paid, bytes, served_at)
		VALUES (?, ?, ?, ?)
	`, d.Path, d.Paid, d.Bytes, d.ServedAt.UTC())
	return err
}

func (s *SQLiteStore) TopFiles(ctx context.Context, limit int) ([]FileCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, COUNT(*) AS n, COALESCE(SUM(bytes), 0)
		FROM downloads
		GROUP BY path
		ORDER BY n DESC, path ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []FileCount
	for rows.Next() {
		var fc FileCount
		if err := rows.Scan(&fc.Path, &fc.Downloads, &fc.Bytes); err != nil {
			return nil, err
		}
		counts = append(counts, fc)
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN paid = 1 THEN 1 ELSE 0 END), 0) as paid_count,
			COALESCE(SUM(CASE WHEN paid = 0 THEN 1 ELSE 0 END), 0) as free_count,
			COALESCE(SUM(bytes), 0) as total_bytes,
			COALESCE(SUM(CASE WHEN paid = 1 THEN bytes ELSE 0 END), 0) as paid_bytes,
			COALESCE(MIN(served_at), '') as first,
			COALESCE(MAX(served_at), '') as last
		FROM downloads
	`)

	var first, last string
	err := row.Scan(
		&stats.TotalDownloads,
		&stats.PaidDownloads,
		&stats.FreeDownloads,
		&stats.TotalBytes,
		&stats.PaidBytes,
		&first,
		&last,
	)
	if err != nil {
		return nil, err
	}
	stats.FirstDownload = parseTime(first)
	stats.LastDownload = parseTime(last)

	stats.DailyStats, err = s.dailyStats(ctx, dailyStatsDays)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

const dailyStatsDays = 14

// dailyStats returns per-day counts for the given number of days, skipping
// days without downloads. served_at is stored in UTC, so its first ten
// characters are the UTC date.
func (s *SQLiteStore) dailyStats(ctx context.Context, days int) ([]DailyStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days+1).Truncate(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			substr(served_at, 1, 10) AS day,
			COUNT(*),
			COALESCE(SUM(CASE WHEN paid = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(bytes), 0)
		FROM downloads
		WHERE served_at >= ?
		GROUP BY day
		ORDER BY day DESC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var daily []DailyStats
	for rows.Next() {
		var ds DailyStats
		if err := rows.Scan(&ds.Date, &ds.Downloads, &ds.PaidDownloads, &ds.Bytes); err != nil {
			return nil, err
		}
		daily = append(daily, ds)
	}
	return daily, rows.Err()
}

// parseTime reads timestamps that lost their column type in an aggregate.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05-07:00", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
