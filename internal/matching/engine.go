package matching

import (
	"cmp"
	"context"
	"slices"

	"go.uber.org/zap"
)

const (
	phaseProbe = "probe"
	phaseLoad  = "load"
)

// CandidateKey identifies a collection committed by one owner.
type CandidateKey struct {
	CollectionID  string `gorm:"column:collection_id"`
	OwnerIdentity string `gorm:"column:owner_identity"`
}

// EventRow is an object-added-to-set event annotated with the earliest
// timestamp of its (collection, owner) group.
type EventRow struct {
	CollectionID  string `gorm:"column:collection_id"`
	OwnerIdentity string `gorm:"column:owner_identity"`
	Fingerprint   string `gorm:"column:fingerprint"`
	Timestamp     int64  `gorm:"column:event_timestamp"`
	CreatedAt     int64  `gorm:"column:created_at"`
}

// EventSource is the read-only query boundary the engine needs.
// asOf, when non-nil, is an inclusive upper bound in epoch seconds.
type EventSource interface {
	ProbeCandidates(ctx context.Context, fingerprints []string, asOf *int64) ([]CandidateKey, error)
	LoadCandidateEvents(ctx context.Context, keys []CandidateKey, fingerprints []string, asOf *int64) ([]EventRow, error)
}

// SetCandidate is a ranked match result.
type SetCandidate struct {
	CollectionID  string  `json:"collection_id"`
	OwnerIdentity string  `json:"owner_identity"`
	Score         float64 `json:"score"`
	CreatedAt     int64   `json:"created_at"`
}

// Engine ranks committed collections against a snapshot of objects.
// It holds no per-call state and is safe for concurrent use.
type Engine struct {
	source EventSource
	config Config
	logger *zap.Logger
}

// NewEngine constructs an Engine with the provided default configuration.
func NewEngine(source EventSource, config Config, logger *zap.Logger) (*Engine, error) {
	if source == nil {
		return nil, errMissingEventSource
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{source: source, config: config, logger: logger}, nil
}

// FindMatchingSets matches criteria using the engine's default configuration.
func (e *Engine) FindMatchingSets(ctx context.Context, criteria Criteria) ([]SetCandidate, error) {
	return e.FindMatchingSetsWithConfig(ctx, criteria, e.config)
}

// FindMatchingSetsWithConfig returns candidates ordered by descending score,
// then ascending creation time. The event store is queried twice at most:
// once to probe candidate keys and once to load their events.
func (e *Engine) FindMatchingSetsWithConfig(ctx context.Context, criteria Criteria, config Config) ([]SetCandidate, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	objects, asOf, err := Normalize(criteria)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return []SetCandidate{}, nil
	}
	fingerprints := distinctFingerprints(objects)

	keys, err := e.source.ProbeCandidates(ctx, fingerprints, asOf)
	if err != nil {
		return nil, &StoreError{Phase: phaseProbe, Err: err}
	}
	if len(keys) == 0 {
		e.logger.Debug("no candidate sets", zap.Int("fingerprint_count", len(fingerprints)))
		return []SetCandidate{}, nil
	}
	keys = dedupeKeys(keys)

	rows, err := e.source.LoadCandidateEvents(ctx, keys, fingerprints, asOf)
	if err != nil {
		return nil, &StoreError{Phase: phaseLoad, Err: err}
	}

	buckets := buildBuckets(rows)
	matched := countMatches(buckets, objects, config.maxDiffSeconds())
	candidates := buildCandidates(buckets, matched, len(objects))

	e.logger.Debug("set matching completed",
		zap.Int("query_objects", len(objects)),
		zap.Int("candidate_keys", len(keys)),
		zap.Int("loaded_rows", len(rows)),
		zap.Int("matches", len(candidates)))
	return candidates, nil
}

func countMatches(buckets map[bucketKey]*bucket, objects []ObjectAtTime, maxDiffSeconds int64) map[bucketKey]int {
	matched := make(map[bucketKey]int, len(buckets))
	for key, current := range buckets {
		for _, object := range objects {
			if current.hasMatch(object.Fingerprint, object.Timestamp, maxDiffSeconds) {
				matched[key]++
			}
		}
	}
	return matched
}

func buildCandidates(buckets map[bucketKey]*bucket, matched map[bucketKey]int, queryLength int) []SetCandidate {
	candidates := make([]SetCandidate, 0, len(matched))
	for key, count := range matched {
		if count == 0 {
			continue
		}
		candidates = append(candidates, SetCandidate{
			CollectionID:  key.collectionID,
			OwnerIdentity: key.ownerIdentity,
			Score:         float64(count) / float64(queryLength),
			CreatedAt:     buckets[key].createdAt,
		})
	}
	SortCandidates(candidates)
	return candidates
}

// SortCandidates orders candidates by descending score, then ascending
// creation time. Collection and owner break remaining ties so map iteration
// order never leaks into the result.
func SortCandidates(candidates []SetCandidate) {
	slices.SortFunc(candidates, func(left, right SetCandidate) int {
		if byScore := cmp.Compare(right.Score, left.Score); byScore != 0 {
			return byScore
		}
		if byCreated := cmp.Compare(left.CreatedAt, right.CreatedAt); byCreated != 0 {
			return byCreated
		}
		if byCollection := cmp.Compare(left.CollectionID, right.CollectionID); byCollection != 0 {
			return byCollection
		}
		return cmp.Compare(left.OwnerIdentity, right.OwnerIdentity)
	})
}

func dedupeKeys(keys []CandidateKey) []CandidateKey {
	seen := make(map[CandidateKey]struct{}, len(keys))
	unique := make([]CandidateKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	slices.SortFunc(unique, func(left, right CandidateKey) int {
		if byCollection := cmp.Compare(left.CollectionID, right.CollectionID); byCollection != 0 {
			return byCollection
		}
		return cmp.Compare(left.OwnerIdentity, right.OwnerIdentity)
	})
	return unique
}
