package store

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
)

// GetStats derives a manifest's aggregate view on demand: lane counts per
// status, total cost, and elapsed wall time. It is never stored redundantly.
//
// Elapsed runs from manifest creation until now while any lane is still
// non-terminal, otherwise until the latest lane completion.
func (s *Store) GetStats(manifestID string) (*lane.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, manifestID)
	}

	stats := &lane.Stats{
		ManifestID: manifestID,
		ByStatus:   make(map[lane.Status]int),
	}

	var latestCompletion time.Time
	for _, id := range s.byManifest[manifestID] {
		l := s.lanes[id]
		stats.ByStatus[l.Status]++
		stats.TotalCost += l.Metrics.TotalCost
		if lane.IsTerminal(l.Status) {
			if l.CompletedAt.After(latestCompletion) {
				latestCompletion = l.CompletedAt
			}
		} else {
			stats.NonTerminal++
		}
	}

	if stats.NonTerminal > 0 || latestCompletion.IsZero() {
		stats.Elapsed = time.Since(m.CreatedAt)
	} else {
		stats.Elapsed = latestCompletion.Sub(m.CreatedAt)
	}
	return stats, nil
}
