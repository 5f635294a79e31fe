package matching

import (
	"context"

	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	"gorm.io/gorm"
)

const (
	columnFingerprint    = "fingerprint"
	columnEventTimestamp = "event_timestamp"
	queryFingerprintIn   = columnFingerprint + " IN ?"
	queryKeyIn           = "(collection_id, owner_identity) IN ?"
	selectCandidateRows  = "collection_id, owner_identity, fingerprint, event_timestamp, " +
		"MIN(event_timestamp) OVER (PARTITION BY collection_id, owner_identity) AS created_at"
	orderCandidateRows = "event_timestamp ASC, collection_id ASC, owner_identity ASC, fingerprint ASC"
)

// Stored timestamps may be seconds or milliseconds, so the cutoff is applied
// in both units.
const queryTimestampAsOf = "(" + columnEventTimestamp + " <= ? OR (" +
	columnEventTimestamp + " > ? AND " + columnEventTimestamp + " <= ?))"

// GormEventSource runs the probe and load queries against the
// event_add_set_object table.
type GormEventSource struct {
	db *gorm.DB
}

// NewGormEventSource wraps a GORM handle as an EventSource.
func NewGormEventSource(db *gorm.DB) (*GormEventSource, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormEventSource{db: db}, nil
}

// ProbeCandidates returns the distinct (collection, owner) pairs holding any
// of the fingerprints.
func (source *GormEventSource) ProbeCandidates(ctx context.Context, fingerprints []string, asOf *int64) ([]CandidateKey, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}
	query := source.db.WithContext(ctx).
		Model(&events.ObjectAddedToSet{}).
		Distinct("collection_id", "owner_identity").
		Where(queryFingerprintIn, fingerprints)
	if asOf != nil {
		query = query.Where(queryTimestampAsOf, *asOf, millisecondThreshold, millisecondCutoff(*asOf))
	}

	var keys []CandidateKey
	if err := query.Scan(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// LoadCandidateEvents loads the queried fingerprints' events for the candidate
// keys, each annotated with its group's earliest timestamp.
func (source *GormEventSource) LoadCandidateEvents(ctx context.Context, keys []CandidateKey, fingerprints []string, asOf *int64) ([]EventRow, error) {
	if len(keys) == 0 || len(fingerprints) == 0 {
		return nil, nil
	}
	pairs := make([][]interface{}, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, []interface{}{key.CollectionID, key.OwnerIdentity})
	}

	query := source.db.WithContext(ctx).
		Model(&events.ObjectAddedToSet{}).
		Select(selectCandidateRows).
		Where(queryKeyIn, pairs).
		Where(queryFingerprintIn, fingerprints)
	if asOf != nil {
		query = query.Where(queryTimestampAsOf, *asOf, millisecondThreshold, millisecondCutoff(*asOf))
	}

	var rows []EventRow
	if err := query.Order(orderCandidateRows).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
