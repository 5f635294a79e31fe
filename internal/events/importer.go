package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Kind names the event record kinds accepted by the importer.
type Kind string

const (
	KindSetCreated       Kind = "set_created"
	KindObjectCommitted  Kind = "object_committed"
	KindObjectAddedToSet Kind = "object_added_to_set"
)

const importHeartbeatID = "events-import"

var (
	// ErrInvalidRecord indicates that an imported line is missing required fields.
	ErrInvalidRecord = errors.New("events: invalid record")
	errMissingDB     = errors.New("events: database handle is required")
)

// Record is one line of a JSONL fixture file.
type Record struct {
	Kind          Kind   `json:"kind"`
	ID            string `json:"id"`
	Owner         string `json:"owner"`
	CollectionID  string `json:"collection_id"`
	Fingerprint   string `json:"fingerprint"`
	SourceID      int64  `json:"source_id"`
	TransactionID string `json:"transaction_id"`
	Timestamp     int64  `json:"timestamp"`
}

// ImportResult counts the rows written per kind.
type ImportResult struct {
	SetsCreated        int `json:"sets_created"`
	ObjectsCommitted   int `json:"objects_committed"`
	ObjectsAddedToSets int `json:"objects_added_to_sets"`
	Duplicates         int `json:"duplicates"`
}

// Importer loads fixture events into the store. The production event log is
// populated by the chain indexer; this is for local development and tests.
type Importer struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewImporter constructs an Importer. A nil clock defaults to time.Now.
func NewImporter(db *gorm.DB, clock func() time.Time) (*Importer, error) {
	if db == nil {
		return nil, errMissingDB
	}
	if clock == nil {
		clock = time.Now
	}
	return &Importer{db: db, clock: clock}, nil
}

// ImportJSONL reads one Record per line and writes them in a single
// transaction, then records a heartbeat so staleness checks pass.
func (importer *Importer) ImportJSONL(ctx context.Context, reader io.Reader) (ImportResult, error) {
	records, err := decodeRecords(reader)
	if err != nil {
		return ImportResult{}, err
	}

	var result ImportResult
	err = importer.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for index, record := range records {
			row, rowErr := record.toRow()
			if rowErr != nil {
				return fmt.Errorf("line %d: %w", index+1, rowErr)
			}
			created := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
			if created.Error != nil {
				return fmt.Errorf("line %d: %w", index+1, created.Error)
			}
			if created.RowsAffected == 0 {
				result.Duplicates++
				continue
			}
			switch record.Kind {
			case KindSetCreated:
				result.SetsCreated++
			case KindObjectCommitted:
				result.ObjectsCommitted++
			case KindObjectAddedToSet:
				result.ObjectsAddedToSets++
			}
		}
		heartbeat := BatchHeartbeat{ID: importHeartbeatID, Timestamp: importer.clock().UTC().UnixMilli()}
		return transaction.Clauses(clause.OnConflict{UpdateAll: true}).Create(&heartbeat).Error
	})
	if err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

func decodeRecords(reader io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	records := make([]Record, 0, 64)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (record Record) toRow() (any, error) {
	owner := NormalizeIdentifier(record.Owner)
	transactionID := NormalizeIdentifier(record.TransactionID)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRecord)
	}
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", ErrInvalidRecord)
	}
	if record.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: timestamp must be positive", ErrInvalidRecord)
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		id = generated.String()
	}

	collectionID := NormalizeIdentifier(record.CollectionID)
	fingerprint := NormalizeIdentifier(record.Fingerprint)
	switch record.Kind {
	case KindSetCreated:
		if collectionID == "" {
			return nil, fmt.Errorf("%w: collection_id is required", ErrInvalidRecord)
		}
		return &SetCreated{
			ID:            id,
			OwnerIdentity: owner,
			CollectionID:  collectionID,
			SourceID:      record.SourceID,
			TransactionID: transactionID,
			Timestamp:     record.Timestamp,
		}, nil
	case KindObjectCommitted:
		if fingerprint == "" {
			return nil, fmt.Errorf("%w: fingerprint is required", ErrInvalidRecord)
		}
		return &ObjectCommitted{
			ID:            id,
			OwnerIdentity: owner,
			Fingerprint:   fingerprint,
			SourceID:      record.SourceID,
			TransactionID: transactionID,
			Timestamp:     record.Timestamp,
		}, nil
	case KindObjectAddedToSet:
		if collectionID == "" || fingerprint == "" {
			return nil, fmt.Errorf("%w: collection_id and fingerprint are required", ErrInvalidRecord)
		}
		return &ObjectAddedToSet{
			ID:            id,
			OwnerIdentity: owner,
			CollectionID:  collectionID,
			Fingerprint:   fingerprint,
			SourceID:      record.SourceID,
			TransactionID: transactionID,
			Timestamp:     record.Timestamp,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, record.Kind)
	}
}

// NormalizeIdentifier lowercases chain identifiers the way the indexer stores them.
func NormalizeIdentifier(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
