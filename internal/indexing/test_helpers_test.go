package indexing

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	"github.com/MarcoPoloResearchLab/setmatch/internal/matching"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	testDatabaseSequence atomic.Int64
	testNow              = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

const fixtureEvents = `
{"kind":"set_created","owner":"0xU1","collection_id":"S1","source_id":1,"transaction_id":"0xA1","timestamp":1704110400}
{"kind":"object_committed","owner":"0xU1","fingerprint":"QmA","source_id":1,"transaction_id":"0xB1","timestamp":1704110500}
{"kind":"object_added_to_set","owner":"0xU1","collection_id":"S1","fingerprint":"QmA","source_id":1,"transaction_id":"0xB1","timestamp":1704110500}
{"kind":"object_committed","owner":"0xU1","fingerprint":"QmB","source_id":1,"transaction_id":"0xB2","timestamp":1704110600250}
{"kind":"object_added_to_set","owner":"0xU1","collection_id":"S1","fingerprint":"QmB","source_id":1,"transaction_id":"0xB2","timestamp":1704110600}
{"kind":"object_committed","owner":"0xU2","fingerprint":"QmA","source_id":2,"transaction_id":"0xC1","timestamp":1704110700}
`

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:indexing_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(events.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func importFixture(t *testing.T, db *gorm.DB, heartbeatAt time.Time) {
	t.Helper()
	importer, err := events.NewImporter(db, func() time.Time { return heartbeatAt })
	if err != nil {
		t.Fatalf("failed to build importer: %v", err)
	}
	if _, err := importer.ImportJSONL(context.Background(), strings.NewReader(fixtureEvents)); err != nil {
		t.Fatalf("failed to import fixture: %v", err)
	}
}

func newTestService(t *testing.T, db *gorm.DB, now time.Time, threshold time.Duration) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:       db,
		Matching:       matching.DefaultConfig(),
		StaleThreshold: threshold,
		Clock:          func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func newFixtureService(t *testing.T) *Service {
	t.Helper()
	db := newTestDatabase(t)
	importFixture(t, db, testNow)
	return newTestService(t, db, testNow.Add(5*time.Second), DefaultStaleThreshold)
}

func requireServiceCode(t *testing.T, err error, code string) {
	t.Helper()
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected *ServiceError, got %T (%v)", err, err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}
