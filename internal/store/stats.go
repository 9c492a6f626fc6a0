package store

import (
	"context"
	"fmt"
)

// Stats returns row counts per declared table.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int, len(s.tables))
	for _, t := range s.tables {
		var n int
		if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM "+t.Name).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.Name, err)
		}
		stats[t.Name] = n
	}
	return stats, nil
}
