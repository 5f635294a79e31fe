package indexing

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	"github.com/MarcoPoloResearchLab/setmatch/internal/matching"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew            = "indexing.service.new"
	opFindUserSets          = "indexing.find_user_sets"
	opFindUserObjects       = "indexing.find_user_objects"
	opFindUserSetObjects    = "indexing.find_user_set_objects"
	opFindLastUserSetObject = "indexing.find_last_user_set_object"
	opFindObjects           = "indexing.find_objects"
	opFindObject            = "indexing.find_object"
	opFindLastObject        = "indexing.find_last_object"
	opFindMatchingSets      = "indexing.find_matching_sets"

	collectionLookupBatchSize = 50
)

var noOpLogger = zap.NewNop()

// Lookup answers ownership and commitment questions against an index.
type Lookup interface {
	FindUserSets(ctx context.Context, owner string) ([]Receipt, error)
	FindUserObjects(ctx context.Context, owner string, includeCollection bool) ([]Receipt, error)
	FindUserSetObjects(ctx context.Context, owner, collectionID string) ([]Receipt, error)
	FindLastUserSetObject(ctx context.Context, owner, collectionID string) (*Receipt, error)
	FindObjects(ctx context.Context, fingerprints []string, includeCollection bool) ([]Receipt, error)
	FindObject(ctx context.Context, fingerprint string, includeCollection bool) ([]Receipt, error)
	FindLastObject(ctx context.Context, fingerprint string, includeCollection bool) (*Receipt, error)
	FindMatchingSets(ctx context.Context, criteria matching.Criteria) ([]matching.SetCandidate, error)
}

// Receipt is the public record of one indexed event.
type Receipt struct {
	SourceID      int64     `json:"chainId"`
	TransactionID string    `json:"transactionHash"`
	Owner         string    `json:"user"`
	CollectionID  string    `json:"setCid,omitempty"`
	Fingerprint   string    `json:"objectCid,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type ServiceConfig struct {
	Database *gorm.DB
	// Engine defaults to one reading Database with Matching.
	Engine         *matching.Engine
	Matching       matching.Config
	StaleThreshold time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Service is the SQL-backed Lookup.
type Service struct {
	db     *gorm.DB
	engine *matching.Engine
	guard  stalenessGuard
	logger *zap.Logger
}

var _ Lookup = (*Service)(nil)

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	engine := cfg.Engine
	if engine == nil {
		source, err := matching.NewGormEventSource(cfg.Database)
		if err != nil {
			return nil, newServiceError(opServiceNew, "event_source_failed", err)
		}
		engine, err = matching.NewEngine(source, cfg.Matching, logger)
		if err != nil {
			return nil, newServiceError(opServiceNew, "engine_failed", err)
		}
	}

	return &Service{
		db:     cfg.Database,
		engine: engine,
		guard:  stalenessGuard{db: cfg.Database, clock: clock, threshold: cfg.StaleThreshold},
		logger: logger,
	}, nil
}

func (s *Service) FindUserSets(ctx context.Context, owner string) ([]Receipt, error) {
	owner = events.NormalizeIdentifier(owner)
	if owner == "" {
		return nil, newServiceError(opFindUserSets, "missing_owner", errMissingOwner)
	}
	if err := s.checkFresh(ctx, opFindUserSets); err != nil {
		return nil, err
	}

	var rows []events.SetCreated
	err := s.db.WithContext(ctx).
		Where("owner_identity = ?", owner).
		Order("event_timestamp ASC, transaction_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opFindUserSets, "query_failed", err, zap.String("owner", owner))
		return nil, newServiceError(opFindUserSets, "query_failed", err)
	}

	receipts := make([]Receipt, 0, len(rows))
	for _, row := range rows {
		receipts = append(receipts, Receipt{
			SourceID:      row.SourceID,
			TransactionID: row.TransactionID,
			Owner:         row.OwnerIdentity,
			CollectionID:  row.CollectionID,
			Timestamp:     matching.UnixInstant(row.Timestamp),
		})
	}
	return receipts, nil
}

func (s *Service) FindUserObjects(ctx context.Context, owner string, includeCollection bool) ([]Receipt, error) {
	owner = events.NormalizeIdentifier(owner)
	if owner == "" {
		return nil, newServiceError(opFindUserObjects, "missing_owner", errMissingOwner)
	}
	if err := s.checkFresh(ctx, opFindUserObjects); err != nil {
		return nil, err
	}

	var rows []events.ObjectCommitted
	err := s.db.WithContext(ctx).
		Where("owner_identity = ?", owner).
		Order("event_timestamp ASC, transaction_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opFindUserObjects, "query_failed", err, zap.String("owner", owner))
		return nil, newServiceError(opFindUserObjects, "query_failed", err)
	}
	return s.committedReceipts(ctx, opFindUserObjects, rows, includeCollection)
}

func (s *Service) FindUserSetObjects(ctx context.Context, owner, collectionID string) ([]Receipt, error) {
	owner = events.NormalizeIdentifier(owner)
	collectionID = events.NormalizeIdentifier(collectionID)
	if err := requireSetKey(opFindUserSetObjects, owner, collectionID); err != nil {
		return nil, err
	}
	if err := s.checkFresh(ctx, opFindUserSetObjects); err != nil {
		return nil, err
	}

	var rows []events.ObjectAddedToSet
	err := s.db.WithContext(ctx).
		Where("owner_identity = ? AND collection_id = ?", owner, collectionID).
		Order("event_timestamp ASC, transaction_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opFindUserSetObjects, "query_failed", err,
			zap.String("owner", owner), zap.String("collection_id", collectionID))
		return nil, newServiceError(opFindUserSetObjects, "query_failed", err)
	}

	receipts := make([]Receipt, 0, len(rows))
	for _, row := range rows {
		receipts = append(receipts, addedReceipt(row))
	}
	return receipts, nil
}

// FindLastUserSetObject returns nil without error when the collection is empty.
func (s *Service) FindLastUserSetObject(ctx context.Context, owner, collectionID string) (*Receipt, error) {
	owner = events.NormalizeIdentifier(owner)
	collectionID = events.NormalizeIdentifier(collectionID)
	if err := requireSetKey(opFindLastUserSetObject, owner, collectionID); err != nil {
		return nil, err
	}
	if err := s.checkFresh(ctx, opFindLastUserSetObject); err != nil {
		return nil, err
	}

	var row events.ObjectAddedToSet
	err := s.db.WithContext(ctx).
		Where("owner_identity = ? AND collection_id = ?", owner, collectionID).
		Order("event_timestamp DESC, transaction_id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFindLastUserSetObject, "query_failed", err,
			zap.String("owner", owner), zap.String("collection_id", collectionID))
		return nil, newServiceError(opFindLastUserSetObject, "query_failed", err)
	}

	receipt := addedReceipt(row)
	return &receipt, nil
}

func (s *Service) FindObjects(ctx context.Context, fingerprints []string, includeCollection bool) ([]Receipt, error) {
	normalized := normalizeFingerprints(fingerprints)
	if len(normalized) == 0 {
		return []Receipt{}, nil
	}
	if err := s.checkFresh(ctx, opFindObjects); err != nil {
		return nil, err
	}

	var rows []events.ObjectCommitted
	err := s.db.WithContext(ctx).
		Where("fingerprint IN ?", normalized).
		Order("event_timestamp ASC, transaction_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opFindObjects, "query_failed", err, zap.Int("fingerprint_count", len(normalized)))
		return nil, newServiceError(opFindObjects, "query_failed", err)
	}
	return s.committedReceipts(ctx, opFindObjects, rows, includeCollection)
}

func (s *Service) FindObject(ctx context.Context, fingerprint string, includeCollection bool) ([]Receipt, error) {
	fingerprint = events.NormalizeIdentifier(fingerprint)
	if fingerprint == "" {
		return nil, newServiceError(opFindObject, "missing_fingerprint", errMissingFingerprint)
	}
	if err := s.checkFresh(ctx, opFindObject); err != nil {
		return nil, err
	}

	var rows []events.ObjectCommitted
	err := s.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("event_timestamp ASC, transaction_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opFindObject, "query_failed", err, zap.String("fingerprint", fingerprint))
		return nil, newServiceError(opFindObject, "query_failed", err)
	}
	return s.committedReceipts(ctx, opFindObject, rows, includeCollection)
}

// FindLastObject returns nil without error when the fingerprint was never committed.
func (s *Service) FindLastObject(ctx context.Context, fingerprint string, includeCollection bool) (*Receipt, error) {
	fingerprint = events.NormalizeIdentifier(fingerprint)
	if fingerprint == "" {
		return nil, newServiceError(opFindLastObject, "missing_fingerprint", errMissingFingerprint)
	}
	if err := s.checkFresh(ctx, opFindLastObject); err != nil {
		return nil, err
	}

	var row events.ObjectCommitted
	err := s.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("event_timestamp DESC, transaction_id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFindLastObject, "query_failed", err, zap.String("fingerprint", fingerprint))
		return nil, newServiceError(opFindLastObject, "query_failed", err)
	}

	receipts, err := s.committedReceipts(ctx, opFindLastObject, []events.ObjectCommitted{row}, includeCollection)
	if err != nil {
		return nil, err
	}
	return &receipts[0], nil
}

// FindMatchingSets lowercases the query fingerprints and delegates to the engine.
func (s *Service) FindMatchingSets(ctx context.Context, criteria matching.Criteria) ([]matching.SetCandidate, error) {
	if err := s.checkFresh(ctx, opFindMatchingSets); err != nil {
		return nil, err
	}

	objects := make([]matching.ObjectAtTime, 0, len(criteria.Objects))
	for _, object := range criteria.Objects {
		objects = append(objects, matching.ObjectAtTime{
			Fingerprint: events.NormalizeIdentifier(object.Fingerprint),
			Timestamp:   object.Timestamp,
		})
	}
	criteria.Objects = objects

	candidates, err := s.engine.FindMatchingSets(ctx, criteria)
	if err != nil {
		if matching.IsConfigurationError(err) {
			return nil, newServiceError(opFindMatchingSets, "invalid_criteria", err)
		}
		s.logError(opFindMatchingSets, "match_failed", err, zap.Int("object_count", len(objects)))
		return nil, newServiceError(opFindMatchingSets, "match_failed", err)
	}
	return candidates, nil
}

func (s *Service) checkFresh(ctx context.Context, operation string) error {
	err := s.guard.check(ctx)
	if err == nil {
		return nil
	}
	if IsStaleIndex(err) {
		s.loggerOrDefault().Warn("index is stale", zap.String("operation", operation), zap.Error(err))
		return newServiceError(operation, "index_stale", err)
	}
	s.logError(operation, "heartbeat_query_failed", err)
	return newServiceError(operation, "heartbeat_query_failed", err)
}

func (s *Service) committedReceipts(ctx context.Context, operation string, rows []events.ObjectCommitted, includeCollection bool) ([]Receipt, error) {
	receipts := make([]Receipt, 0, len(rows))
	for _, row := range rows {
		receipts = append(receipts, Receipt{
			SourceID:      row.SourceID,
			TransactionID: row.TransactionID,
			Owner:         row.OwnerIdentity,
			Fingerprint:   row.Fingerprint,
			Timestamp:     matching.UnixInstant(row.Timestamp),
		})
	}
	if !includeCollection || len(receipts) == 0 {
		return receipts, nil
	}
	if err := s.assignCollections(ctx, receipts); err != nil {
		s.logError(operation, "collection_lookup_failed", err, zap.Int("receipt_count", len(receipts)))
		return nil, newServiceError(operation, "collection_lookup_failed", err)
	}
	return receipts, nil
}

type receiptKey struct {
	fingerprint   string
	transactionID string
	sourceID      int64
}

// assignCollections fills CollectionID from the set-addition event emitted by
// the same transaction on the same source.
func (s *Service) assignCollections(ctx context.Context, receipts []Receipt) error {
	fingerprints := make([]string, 0, len(receipts))
	for _, receipt := range receipts {
		fingerprints = append(fingerprints, receipt.Fingerprint)
	}
	slices.Sort(fingerprints)
	fingerprints = slices.Compact(fingerprints)

	collections := make(map[receiptKey]string, len(receipts))
	for batch := range slices.Chunk(fingerprints, collectionLookupBatchSize) {
		var rows []events.ObjectAddedToSet
		err := s.db.WithContext(ctx).
			Select("fingerprint", "transaction_id", "source_id", "collection_id").
			Where("fingerprint IN ?", batch).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			collections[receiptKey{fingerprint: row.Fingerprint, transactionID: row.TransactionID, sourceID: row.SourceID}] = row.CollectionID
		}
	}

	for index := range receipts {
		key := receiptKey{
			fingerprint:   receipts[index].Fingerprint,
			transactionID: receipts[index].TransactionID,
			sourceID:      receipts[index].SourceID,
		}
		if collectionID, ok := collections[key]; ok {
			receipts[index].CollectionID = collectionID
		}
	}
	return nil
}

func addedReceipt(row events.ObjectAddedToSet) Receipt {
	return Receipt{
		SourceID:      row.SourceID,
		TransactionID: row.TransactionID,
		Owner:         row.OwnerIdentity,
		CollectionID:  row.CollectionID,
		Fingerprint:   row.Fingerprint,
		Timestamp:     matching.UnixInstant(row.Timestamp),
	}
}

func requireSetKey(operation, owner, collectionID string) error {
	if owner == "" {
		return newServiceError(operation, "missing_owner", errMissingOwner)
	}
	if collectionID == "" {
		return newServiceError(operation, "missing_collection", errMissingCollection)
	}
	return nil
}

func normalizeFingerprints(fingerprints []string) []string {
	normalized := make([]string, 0, len(fingerprints))
	for _, fingerprint := range fingerprints {
		if value := events.NormalizeIdentifier(fingerprint); value != "" {
			normalized = append(normalized, value)
		}
	}
	slices.Sort(normalized)
	return slices.Compact(normalized)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("indexing service error", attrs...)
}
