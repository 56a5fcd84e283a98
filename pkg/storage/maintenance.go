package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Stats summarizes the contents of the shop database.
type Stats struct {
	Items         int64 `db:"items" json:"items"`
	Shops         int64 `db:"shops" json:"shops"`
	HistoryRows   int64 `db:"history_rows" json:"historyRows"`
	Orders        int64 `db:"orders" json:"orders"`
	Notifications int64 `db:"notifications" json:"notifications"`
	Unread        int64 `db:"unread" json:"unread"`
	SizeBytes     int64 `db:"-" json:"sizeBytes"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM items) AS items,
			(SELECT COUNT(DISTINCT shop_id) FROM items) AS shops,
			(SELECT COUNT(*) FROM stock_history) AS history_rows,
			(SELECT COUNT(*) FROM orders) AS orders,
			(SELECT COUNT(*) FROM notifications) AS notifications,
			(SELECT COUNT(*) FROM notifications WHERE is_read = 0) AS unread`)
	if err != nil {
		return nil, fmt.Errorf("collecting stats: %w", err)
	}

	var pages, pageSize int64
	if err := s.db.GetContext(ctx, &pages, "PRAGMA page_count"); err != nil {
		return nil, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return nil, fmt.Errorf("reading page size: %w", err)
	}
	st.SizeBytes = pages * pageSize
	return &st, nil
}

func (s *Store) Optimize() error {
	_, err := s.db.Exec("PRAGMA optimize")
	return err
}

func (s *Store) Analyze() error {
	_, err := s.db.Exec("ANALYZE")
	return err
}

func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

func (s *Store) WALCheckpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// IntegrityCheck runs PRAGMA integrity_check and reports every problem
// SQLite finds.
func (s *Store) IntegrityCheck() error {
	var results []string
	if err := s.db.Select(&results, "PRAGMA integrity_check"); err != nil {
		return fmt.Errorf("running integrity check: %w", err)
	}
	if len(results) == 1 && results[0] == "ok" {
		return nil
	}
	return fmt.Errorf("integrity check failed: %s", strings.Join(results, "; "))
}

// FileSize returns the size on disk of the database at dbPath, including
// its write-ahead log.
func FileSize(dbPath string) int64 {
	var total int64
	for _, p := range []string{dbPath, dbPath + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}
