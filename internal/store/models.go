package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Raw record processing lifecycle. Failed records stay claim-eligible until
// their attempt count reaches the retry ceiling.
const (
	RawStatusPending    = "pending"
	RawStatusProcessing = "processing"
	RawStatusCompleted  = "completed"
	RawStatusFailed     = "failed"
)

// Run states shared by extract and transform runs. Cancelled is terminal but
// not a failure: everything staged or upserted before it stays valid.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Extract operation kinds.
const (
	OperationFullSync    = "full_sync"
	OperationIncremental = "incremental"
	OperationDateRange   = "date_range"
	OperationSingle      = "single"
)

// Entity types flowing through the pipeline.
const (
	EntityContacts = "contacts"
	EntityChats    = "chats"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a sortable unique id for canonical entity rows. The source
// system's own id lives in the b2chat_id column instead.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// RawRecord is one staged source record: the verbatim payload plus
// processing lifecycle fields. The payload is never mutated; re-extraction
// writes a new record under the new run's id.
type RawRecord struct {
	ID                string          `db:"id"`
	EntityType        string          `db:"entity_type"`
	SourceID          string          `db:"source_id"`
	SyncRunID         string          `db:"sync_run_id"`
	Payload           json.RawMessage `db:"payload"`
	APIPage           int             `db:"api_page"`
	APIOffset         int             `db:"api_offset"`
	FetchedAt         time.Time       `db:"fetched_at"`
	ProcessedAt       sql.NullTime    `db:"processed_at"`
	ProcessingStatus  string          `db:"processing_status"`
	ProcessingError   sql.NullString  `db:"processing_error"`
	ProcessingAttempt int             `db:"processing_attempt"`
	ClaimedBy         sql.NullString  `db:"claimed_by"`
}

// ExtractRun is the manifest of one extract invocation.
type ExtractRun struct {
	SyncID         string          `db:"sync_id"`
	EntityType     string          `db:"entity_type"`
	Operation      string          `db:"operation"`
	Status         string          `db:"status"`
	TriggeredBy    string          `db:"triggered_by"`
	StartedAt      time.Time       `db:"started_at"`
	CompletedAt    sql.NullTime    `db:"completed_at"`
	RecordsFetched int             `db:"records_fetched"`
	TotalPages     int             `db:"total_pages"`
	APICallCount   int             `db:"api_call_count"`
	DateRangeFrom  sql.NullTime    `db:"date_range_from"`
	DateRangeTo    sql.NullTime    `db:"date_range_to"`
	ErrorMessage   sql.NullString  `db:"error_message"`
	Metadata       json.RawMessage `db:"metadata"`
}

// TransformRun is the manifest of one transform invocation.
type TransformRun struct {
	SyncID             string         `db:"sync_id"`
	ExtractSyncID      sql.NullString `db:"extract_sync_id"`
	EntityType         string         `db:"entity_type"`
	Status             string         `db:"status"`
	TriggeredBy        string         `db:"triggered_by"`
	StartedAt          time.Time      `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
	RecordsProcessed   int            `db:"records_processed"`
	RecordsCreated     int            `db:"records_created"`
	RecordsUpdated     int            `db:"records_updated"`
	RecordsSkipped     int            `db:"records_skipped"`
	RecordsFailed      int            `db:"records_failed"`
	ValidationWarnings int            `db:"validation_warnings"`
	ErrorMessage       sql.NullString `db:"error_message"`
}

// Contact is the canonical contact. NeedsFullSync marks stubs created from
// chat references; a contact's own transform clears it.
type Contact struct {
	ID              string          `db:"id"`
	B2ChatID        string          `db:"b2chat_id"`
	FullName        string          `db:"full_name"`
	Mobile          sql.NullString  `db:"mobile"`
	Email           sql.NullString  `db:"email"`
	Identification  sql.NullString  `db:"identification"`
	Address         sql.NullString  `db:"address"`
	City            sql.NullString  `db:"city"`
	Country         sql.NullString  `db:"country"`
	Company         sql.NullString  `db:"company"`
	Tags            sql.NullString  `db:"tags"`
	Attributes      json.RawMessage `db:"attributes"`
	NeedsFullSync   bool            `db:"needs_full_sync"`
	SyncRunID       string          `db:"sync_run_id"`
	SourceCreatedAt sql.NullTime    `db:"source_created_at"`
	SourceUpdatedAt sql.NullTime    `db:"source_updated_at"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// Agent is a platform agent, keyed by username.
type Agent struct {
	ID        string         `db:"id"`
	Username  string         `db:"username"`
	FullName  sql.NullString `db:"full_name"`
	Email     sql.NullString `db:"email"`
	SyncRunID string         `db:"sync_run_id"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// ChatSLA holds the elapsed metrics (seconds) and nullable compliance flags
// computed at transform time. NULL means the underlying event has not
// happened, never a violation.
type ChatSLA struct {
	TimeToPickup        sql.NullInt64 `db:"time_to_pickup"`
	TimeToFirstResponse sql.NullInt64 `db:"time_to_first_response"`
	AvgResponseTime     sql.NullInt64 `db:"avg_response_time"`
	TimeToResolution    sql.NullInt64 `db:"time_to_resolution"`

	BusinessTimeToPickup        sql.NullInt64 `db:"business_time_to_pickup"`
	BusinessTimeToFirstResponse sql.NullInt64 `db:"business_time_to_first_response"`
	BusinessAvgResponseTime     sql.NullInt64 `db:"business_avg_response_time"`
	BusinessTimeToResolution    sql.NullInt64 `db:"business_time_to_resolution"`

	PickupSLA        sql.NullBool `db:"pickup_sla"`
	FirstResponseSLA sql.NullBool `db:"first_response_sla"`
	AvgResponseSLA   sql.NullBool `db:"avg_response_sla"`
	ResolutionSLA    sql.NullBool `db:"resolution_sla"`
	OverallSLA       sql.NullBool `db:"overall_sla"`

	BusinessPickupSLA        sql.NullBool `db:"business_pickup_sla"`
	BusinessFirstResponseSLA sql.NullBool `db:"business_first_response_sla"`
	BusinessAvgResponseSLA   sql.NullBool `db:"business_avg_response_sla"`
	BusinessResolutionSLA    sql.NullBool `db:"business_resolution_sla"`
	BusinessOverallSLA       sql.NullBool `db:"business_overall_sla"`
}

// Chat is the canonical conversation.
type Chat struct {
	ID              string         `db:"id"`
	B2ChatID        string         `db:"b2chat_id"`
	Code            sql.NullString `db:"code"`
	Status          string         `db:"status"`
	Channel         string         `db:"channel"`
	Priority        string         `db:"priority"`
	Department      sql.NullString `db:"department"`
	ContactID       sql.NullString `db:"contact_id"`
	AgentID         sql.NullString `db:"agent_id"`
	OpenedAt        time.Time      `db:"opened_at"`
	PickedUpAt      sql.NullTime   `db:"picked_up_at"`
	FirstResponseAt sql.NullTime   `db:"first_response_at"`
	ClosedAt        sql.NullTime   `db:"closed_at"`
	ClosedBy        sql.NullString `db:"closed_by"`
	MessageCount    int            `db:"message_count"`
	SyncRunID       string         `db:"sync_run_id"`
	SLA             ChatSLA
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Message is one chat message. The id is a content-derived digest so
// re-processing the same chat can never duplicate messages.
type Message struct {
	ID        string         `db:"id"`
	ChatID    string         `db:"chat_id"`
	Direction string         `db:"direction"`
	Type      string         `db:"type"`
	Text      sql.NullString `db:"text"`
	Sender    sql.NullString `db:"sender"`
	Ordinal   int            `db:"ordinal"`
	SentAt    sql.NullTime   `db:"sent_at"`
}

// PendingCount is the outstanding-pending staging count for one entity type,
// scoped to completed extract runs.
type PendingCount struct {
	EntityType string `json:"entityType"`
	Count      int64  `json:"count"`
}

// ClaimOptions selects the raw records one transform batch takes ownership
// of. ExtractSyncID narrows the claim to a single extract run; empty means
// any pending record of the entity type.
type ClaimOptions struct {
	EntityType    string
	ExtractSyncID string
	BatchSize     int
	MaxAttempts   int
	ClaimedBy     string
}
