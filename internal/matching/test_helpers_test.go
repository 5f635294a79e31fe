package matching

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testDay = int64(24 * 60 * 60)
	// 2024-01-01 12:00:00 UTC
	testT0 = int64(1704110400)
)

var testDatabaseSequence atomic.Int64

type addedEvent struct {
	collection  string
	owner       string
	fingerprint string
	timestamp   int64
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:matching_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(events.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedAddedEvents(t *testing.T, db *gorm.DB, rows ...addedEvent) {
	t.Helper()
	for index, row := range rows {
		record := events.ObjectAddedToSet{
			ID:            fmt.Sprintf("event-%d-%s-%s", index, row.collection, row.fingerprint),
			OwnerIdentity: row.owner,
			CollectionID:  row.collection,
			Fingerprint:   row.fingerprint,
			SourceID:      1,
			TransactionID: fmt.Sprintf("0x%04d", index),
			Timestamp:     row.timestamp,
		}
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
	}
}

func newTestEngine(t *testing.T, db *gorm.DB) (*Engine, *countingSource) {
	t.Helper()
	source, err := NewGormEventSource(db)
	if err != nil {
		t.Fatalf("failed to construct event source: %v", err)
	}
	counting := &countingSource{delegate: source}
	engine, err := NewEngine(counting, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine, counting
}

func mustCriteria(t *testing.T, asOf any, objects ...ObjectAtTime) Criteria {
	t.Helper()
	criteria, err := NewCriteria(objects, asOf)
	if err != nil {
		t.Fatalf("unexpected criteria error: %v", err)
	}
	return criteria
}

// countingSource records how often each query phase reaches the store.
type countingSource struct {
	delegate   EventSource
	probeCalls int
	loadCalls  int
	probeErr   error
	loadErr    error
}

func (s *countingSource) ProbeCandidates(ctx context.Context, fingerprints []string, asOf *int64) ([]CandidateKey, error) {
	s.probeCalls++
	if s.probeErr != nil {
		return nil, s.probeErr
	}
	return s.delegate.ProbeCandidates(ctx, fingerprints, asOf)
}

func (s *countingSource) LoadCandidateEvents(ctx context.Context, keys []CandidateKey, fingerprints []string, asOf *int64) ([]EventRow, error) {
	s.loadCalls++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.delegate.LoadCandidateEvents(ctx, keys, fingerprints, asOf)
}
