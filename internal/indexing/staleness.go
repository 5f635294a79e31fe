package indexing

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	"gorm.io/gorm"
)

// DefaultStaleThreshold is the heartbeat age after which lookups are refused.
const DefaultStaleThreshold = 30 * time.Second

// stalenessGuard refuses lookups when the indexer heartbeat is older than
// threshold. A non-positive threshold disables the check.
type stalenessGuard struct {
	db        *gorm.DB
	clock     func() time.Time
	threshold time.Duration
}

func (g stalenessGuard) enabled() bool {
	return g.threshold > 0
}

func (g stalenessGuard) check(ctx context.Context) error {
	if !g.enabled() {
		return nil
	}

	var heartbeat events.BatchHeartbeat
	err := g.db.WithContext(ctx).
		Order("timestamp DESC").
		Take(&heartbeat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &StaleIndexError{Threshold: g.threshold, Observed: g.clock().UTC(), NeverStarted: true}
	}
	if err != nil {
		return err
	}

	lastProcessed := time.UnixMilli(heartbeat.Timestamp).UTC()
	now := g.clock().UTC()
	if now.Sub(lastProcessed) > g.threshold {
		return &StaleIndexError{LastProcessed: lastProcessed, Threshold: g.threshold, Observed: now}
	}
	return nil
}
