package events

// SetCreated records the creation of a named collection by an owner.
type SetCreated struct {
	ID            string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerIdentity string `gorm:"column:owner_identity;size:190;not null;index:idx_add_set_owner_time,priority:1"`
	CollectionID  string `gorm:"column:collection_id;size:190;not null"`
	SourceID      int64  `gorm:"column:source_id;not null"`
	TransactionID string `gorm:"column:transaction_id;size:190;not null"`
	Timestamp     int64  `gorm:"column:event_timestamp;not null;index:idx_add_set_owner_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SetCreated) TableName() string {
	return "event_add_set"
}

// ObjectCommitted records a fingerprint committed independently of any collection.
type ObjectCommitted struct {
	ID            string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerIdentity string `gorm:"column:owner_identity;size:190;not null;index:idx_add_object_owner_time,priority:1"`
	Fingerprint   string `gorm:"column:fingerprint;size:190;not null;index:idx_add_object_fingerprint_time,priority:1"`
	SourceID      int64  `gorm:"column:source_id;not null"`
	TransactionID string `gorm:"column:transaction_id;size:190;not null"`
	Timestamp     int64  `gorm:"column:event_timestamp;not null;index:idx_add_object_owner_time,priority:2;index:idx_add_object_fingerprint_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ObjectCommitted) TableName() string {
	return "event_add_object"
}

// ObjectAddedToSet records a fingerprint added to a named collection.
// The fingerprint index serves the matching probe; the composite
// collection/owner/timestamp index serves the candidate load.
type ObjectAddedToSet struct {
	ID            string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerIdentity string `gorm:"column:owner_identity;size:190;not null;index:idx_add_set_object_key_time,priority:2"`
	CollectionID  string `gorm:"column:collection_id;size:190;not null;index:idx_add_set_object_key_time,priority:1"`
	Fingerprint   string `gorm:"column:fingerprint;size:190;not null;index:idx_add_set_object_fingerprint"`
	SourceID      int64  `gorm:"column:source_id;not null"`
	TransactionID string `gorm:"column:transaction_id;size:190;not null"`
	Timestamp     int64  `gorm:"column:event_timestamp;not null;index:idx_add_set_object_key_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (ObjectAddedToSet) TableName() string {
	return "event_add_set_object"
}

// BatchHeartbeat is written by the indexer after every processed batch.
// Timestamp is in milliseconds.
type BatchHeartbeat struct {
	ID        string `gorm:"column:id;primaryKey;size:190;not null"`
	Timestamp int64  `gorm:"column:timestamp;not null;index:idx_heartbeat_time"`
}

// TableName provides the explicit table binding for GORM.
func (BatchHeartbeat) TableName() string {
	return "last_batch_processing_time"
}

// Models lists every table owned by the event store, in migration order.
func Models() []any {
	return []any{&SetCreated{}, &ObjectCommitted{}, &ObjectAddedToSet{}, &BatchHeartbeat{}}
}
