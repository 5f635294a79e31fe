package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMatchingSetsSingleExactMatch(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db, addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0})
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"o1", testT0}))
	require.NoError(t, err)
	require.Equal(t, []SetCandidate{{CollectionID: "s1", OwnerIdentity: "u1", Score: 1.0, CreatedAt: testT0}}, results)
}

func TestFindMatchingSetsPartialCoverage(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db, addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0})
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil,
		ObjectAtTime{"o1", testT0},
		ObjectAtTime{"o2", testT0},
	))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].CollectionID)
	assert.InDelta(t, 0.5, results[0].Score, 1e-9)
}

func TestFindMatchingSetsToleranceBoundary(t *testing.T) {
	testCases := []struct {
		name        string
		storedAt    int64
		expectMatch bool
	}{
		{name: "exact", storedAt: testT0, expectMatch: true},
		{name: "one-day-before", storedAt: testT0 - testDay, expectMatch: true},
		{name: "one-day-after", storedAt: testT0 + testDay, expectMatch: true},
		{name: "one-day-plus-one-before", storedAt: testT0 - testDay - 1, expectMatch: false},
		{name: "one-day-plus-one-after", storedAt: testT0 + testDay + 1, expectMatch: false},
		{name: "five-days-after", storedAt: testT0 + 5*testDay, expectMatch: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			db := newTestDatabase(t)
			seedAddedEvents(t, db, addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testCase.storedAt})
			engine, _ := newTestEngine(t, db)

			results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"o1", testT0}))
			require.NoError(t, err)
			if testCase.expectMatch {
				require.Len(t, results, 1)
				assert.Equal(t, 1.0, results[0].Score)
			} else {
				assert.Empty(t, results)
			}
		})
	}
}

func TestFindMatchingSetsPicksCollectionWithinTolerance(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0 + 2*testDay},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0 + 5*testDay},
		addedEvent{collection: "s2", owner: "u1", fingerprint: "o1", timestamp: testT0 - testDay},
	)
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"o1", testT0}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s2", results[0].CollectionID)
}

func TestFindMatchingSetsAsOfExcludesLaterEvents(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o2", timestamp: testT0 + 3600},
	)
	engine, _ := newTestEngine(t, db)
	objects := []ObjectAtTime{{"o1", testT0}, {"o2", testT0 + 3600}}

	unbounded, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, objects...))
	require.NoError(t, err)
	require.Len(t, unbounded, 1)
	assert.Equal(t, 1.0, unbounded[0].Score)

	cutoff := time.Unix(testT0+60, 0).UTC()
	bounded, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, cutoff, objects...))
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.InDelta(t, 0.5, bounded[0].Score, 1e-9)

	beforeAll, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, testT0-1, objects...))
	require.NoError(t, err)
	assert.Empty(t, beforeAll)
}

func TestFindMatchingSetsAsOfIsMonotonic(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o2", timestamp: testT0 + 7200},
		addedEvent{collection: "s2", owner: "u2", fingerprint: "o2", timestamp: testT0 + 3600},
		addedEvent{collection: "s3", owner: "u3", fingerprint: "o3", timestamp: testT0 + 10800},
	)
	engine, _ := newTestEngine(t, db)
	objects := []ObjectAtTime{{"o1", testT0}, {"o2", testT0 + 3600}, {"o3", testT0 + 10800}}

	cutoffs := []int64{testT0 + 20000, testT0 + 10800, testT0 + 7200, testT0 + 3600, testT0, testT0 - 1}
	previous := map[CandidateKey]float64(nil)
	for _, cutoff := range cutoffs {
		results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, cutoff, objects...))
		require.NoError(t, err)
		current := make(map[CandidateKey]float64, len(results))
		for _, result := range results {
			current[CandidateKey{CollectionID: result.CollectionID, OwnerIdentity: result.OwnerIdentity}] = result.Score
		}
		if previous != nil {
			for key, score := range current {
				earlier, ok := previous[key]
				require.Truef(t, ok, "candidate %v appeared after shrinking as_of to %d", key, cutoff)
				require.LessOrEqualf(t, score, earlier, "score for %v rose after shrinking as_of to %d", key, cutoff)
			}
		}
		previous = current
	}
}

func TestFindMatchingSetsNoSharedFingerprints(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db, addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0})
	engine, counting := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"other", testT0}))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NotNil(t, results)
	assert.Equal(t, 1, counting.probeCalls)
	assert.Equal(t, 0, counting.loadCalls)
}

func TestFindMatchingSetsEmptyInputSkipsStore(t *testing.T) {
	engine, err := NewEngine(&countingSource{probeErr: errors.New("unexpected probe")}, DefaultConfig(), nil)
	require.NoError(t, err)
	counting := engine.source.(*countingSource)

	results, err := engine.FindMatchingSets(context.Background(), Criteria{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, counting.probeCalls)
	assert.Equal(t, 0, counting.loadCalls)
}

func TestFindMatchingSetsTieBreaksByCreatedAt(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "newer", owner: "u1", fingerprint: "o1", timestamp: testT0},
		addedEvent{collection: "older", owner: "u2", fingerprint: "seed", timestamp: testT0 - 30*testDay},
		addedEvent{collection: "older", owner: "u2", fingerprint: "o1", timestamp: testT0},
	)
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil,
		ObjectAtTime{"o1", testT0},
		ObjectAtTime{"seed", testT0 - 30*testDay},
	))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "older", results[0].CollectionID)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, "newer", results[1].CollectionID)
	assert.InDelta(t, 0.5, results[1].Score, 1e-9)

	equalScores, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"o1", testT0}))
	require.NoError(t, err)
	require.Len(t, equalScores, 2)
	assert.Equal(t, "newer", equalScores[0].CollectionID, "created_at is the earliest queried event, so equal times fall back to collection order")
}

func TestFindMatchingSetsEqualScoresOrderedByCreatedAt(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "d2", owner: "u1", fingerprint: "o1", timestamp: testT0 + 600},
		addedEvent{collection: "d1", owner: "u9", fingerprint: "o1", timestamp: testT0 - 600},
	)
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"o1", testT0}))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].CollectionID)
	assert.Equal(t, testT0-600, results[0].CreatedAt)
	assert.Equal(t, "d2", results[1].CollectionID)
}

func TestFindMatchingSetsDuplicatedQueryDoesNotChangeResult(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o2", timestamp: testT0},
		addedEvent{collection: "s2", owner: "u2", fingerprint: "o2", timestamp: testT0},
	)
	engine, _ := newTestEngine(t, db)
	objects := []ObjectAtTime{{"o1", testT0}, {"o2", testT0}, {"o3", testT0}}

	single, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, objects...))
	require.NoError(t, err)
	doubled, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, append(append([]ObjectAtTime{}, objects...), objects...)...))
	require.NoError(t, err)
	assert.Equal(t, single, doubled)
}

func TestFindMatchingSetsCountsQueryObjectOnce(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0 - 60},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0 + 60},
	)
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil,
		ObjectAtTime{"o1", testT0},
		ObjectAtTime{"o2", testT0},
	))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5, results[0].Score, 1e-9)
	assert.Equal(t, testT0-60, results[0].CreatedAt)
}

func TestFindMatchingSetsNormalizesMillisecondTimestamps(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db, addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0 * 1000})
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"o1", testT0*1000 + 500}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, testT0, results[0].CreatedAt)
}

func TestFindMatchingSetsAsOfAppliesToMillisecondRows(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0 * 1000},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o2", timestamp: (testT0+3600)*1000 + 250},
		addedEvent{collection: "s2", owner: "u2", fingerprint: "o2", timestamp: testT0 + 3600},
	)
	engine, _ := newTestEngine(t, db)
	objects := []ObjectAtTime{{"o1", testT0}, {"o2", testT0 + 3600}}

	unbounded, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, objects...))
	require.NoError(t, err)

	farFuture, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, testT0+10*testDay, objects...))
	require.NoError(t, err)
	assert.Equal(t, unbounded, farFuture)
	require.Len(t, farFuture, 2)
	assert.Equal(t, SetCandidate{CollectionID: "s1", OwnerIdentity: "u1", Score: 1.0, CreatedAt: testT0}, farFuture[0])

	sameSecond, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, testT0, objects...))
	require.NoError(t, err)
	require.Len(t, sameSecond, 1)
	assert.Equal(t, "s1", sameSecond[0].CollectionID)
	assert.InDelta(t, 0.5, sameSecond[0].Score, 1e-9)

	beforeAll, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, testT0-1, objects...))
	require.NoError(t, err)
	assert.Empty(t, beforeAll)
}

func TestFindMatchingSetsSkipsBlankFingerprints(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db, addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0})
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil,
		ObjectAtTime{"o1", testT0},
		ObjectAtTime{"  ", testT0},
	))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Score)

	onlyBlank, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"", testT0}))
	require.NoError(t, err)
	assert.Empty(t, onlyBlank)
}

func TestFindMatchingSetsScoresBoundedAndOrdered(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "a", owner: "u1", fingerprint: "o1", timestamp: testT0},
		addedEvent{collection: "a", owner: "u1", fingerprint: "o2", timestamp: testT0 + 60},
		addedEvent{collection: "a", owner: "u1", fingerprint: "o3", timestamp: testT0 + 120},
		addedEvent{collection: "b", owner: "u2", fingerprint: "o1", timestamp: testT0 - testDay/2},
		addedEvent{collection: "b", owner: "u2", fingerprint: "o4", timestamp: testT0 + 180},
		addedEvent{collection: "c", owner: "u3", fingerprint: "o2", timestamp: testT0 - 3*testDay},
		addedEvent{collection: "c", owner: "u3", fingerprint: "o3", timestamp: testT0 + 120},
		addedEvent{collection: "d", owner: "u4", fingerprint: "o4", timestamp: (testT0 + 180) * 1000},
		addedEvent{collection: "e", owner: "u1", fingerprint: "o1", timestamp: testT0 + 5*testDay},
		addedEvent{collection: "f", owner: "u5", fingerprint: "o2", timestamp: testT0 - 2*testDay},
		addedEvent{collection: "f", owner: "u5", fingerprint: "o4", timestamp: testT0 + 200},
	)
	engine, _ := newTestEngine(t, db)
	objects := []ObjectAtTime{{"o1", testT0}, {"o2", testT0 + 60}, {"o3", testT0 + 120}, {"o4", testT0 + 180}}

	for _, asOf := range []any{nil, testT0 + 150, testT0 + 10*testDay} {
		results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, asOf, objects...))
		require.NoError(t, err)
		require.NotEmpty(t, results)
		for _, result := range results {
			assert.Greaterf(t, result.Score, 0.0, "score of %#v", result)
			assert.LessOrEqualf(t, result.Score, 1.0, "score of %#v", result)
		}
		for index := 1; index < len(results); index++ {
			previous, current := results[index-1], results[index]
			ordered := previous.Score > current.Score ||
				(previous.Score == current.Score && previous.CreatedAt <= current.CreatedAt)
			assert.Truef(t, ordered, "as_of %v: %#v ranked before %#v", asOf, previous, current)
		}
	}
}

func TestFindMatchingSetsSeparatesOwners(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db,
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0},
		addedEvent{collection: "s1", owner: "u1", fingerprint: "o2", timestamp: testT0},
		addedEvent{collection: "s1", owner: "u2", fingerprint: "o1", timestamp: testT0},
	)
	engine, _ := newTestEngine(t, db)

	results, err := engine.FindMatchingSets(context.Background(), mustCriteria(t, nil,
		ObjectAtTime{"o1", testT0},
		ObjectAtTime{"o2", testT0},
	))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, SetCandidate{CollectionID: "s1", OwnerIdentity: "u1", Score: 1.0, CreatedAt: testT0}, results[0])
	assert.Equal(t, "u2", results[1].OwnerIdentity)
}

func TestFindMatchingSetsWithConfigOverridesTolerance(t *testing.T) {
	db := newTestDatabase(t)
	seedAddedEvents(t, db, addedEvent{collection: "s1", owner: "u1", fingerprint: "o1", timestamp: testT0 + 3600})
	engine, _ := newTestEngine(t, db)
	criteria := mustCriteria(t, nil, ObjectAtTime{"o1", testT0})

	strict, err := engine.FindMatchingSetsWithConfig(context.Background(), criteria, Config{MaxTimestampDiff: time.Hour - time.Second})
	require.NoError(t, err)
	assert.Empty(t, strict)

	exact, err := engine.FindMatchingSetsWithConfig(context.Background(), criteria, Config{MaxTimestampDiff: time.Hour})
	require.NoError(t, err)
	assert.Len(t, exact, 1)

	_, err = engine.FindMatchingSetsWithConfig(context.Background(), criteria, Config{MaxTimestampDiff: -time.Second})
	assert.True(t, IsConfigurationError(err))
}

func TestFindMatchingSetsPropagatesStoreErrors(t *testing.T) {
	storeFailure := errors.New("connection reset")
	testCases := []struct {
		name      string
		source    *countingSource
		wantPhase string
	}{
		{name: "probe", source: &countingSource{probeErr: storeFailure}, wantPhase: phaseProbe},
		{
			name: "load",
			source: &countingSource{
				delegate: stubSource{keys: []CandidateKey{{CollectionID: "s1", OwnerIdentity: "u1"}}},
				loadErr:  storeFailure,
			},
			wantPhase: phaseLoad,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			engine, err := NewEngine(testCase.source, DefaultConfig(), nil)
			require.NoError(t, err)

			_, err = engine.FindMatchingSets(context.Background(), mustCriteria(t, nil, ObjectAtTime{"o1", testT0}))
			require.Error(t, err)
			require.ErrorIs(t, err, storeFailure)
			var storeErr *StoreError
			require.ErrorAs(t, err, &storeErr)
			assert.Equal(t, testCase.wantPhase, storeErr.Phase)
		})
	}
}

func TestFindMatchingSetsRejectsNaiveAsOf(t *testing.T) {
	engine, err := NewEngine(&countingSource{}, DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = NewCriteria([]ObjectAtTime{{"o1", testT0}}, "2024-01-01 12:00:00")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	_, err = engine.FindMatchingSets(context.Background(), Criteria{
		Objects: []ObjectAtTime{{"o1", testT0}},
		AsOf:    &time.Time{},
	})
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, 0, engine.source.(*countingSource).probeCalls)
}

func TestNewEngineValidatesDependencies(t *testing.T) {
	_, err := NewEngine(nil, DefaultConfig(), nil)
	assert.ErrorIs(t, err, errMissingEventSource)

	_, err = NewEngine(&countingSource{}, Config{MaxTimestampDiff: -time.Minute}, nil)
	assert.True(t, IsConfigurationError(err))

	_, err = NewGormEventSource(nil)
	assert.ErrorIs(t, err, errMissingDatabase)
}

type stubSource struct {
	keys []CandidateKey
	rows []EventRow
}

func (s stubSource) ProbeCandidates(context.Context, []string, *int64) ([]CandidateKey, error) {
	return s.keys, nil
}

func (s stubSource) LoadCandidateEvents(context.Context, []CandidateKey, []string, *int64) ([]EventRow, error) {
	return s.rows, nil
}
