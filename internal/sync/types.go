package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"b2chat-sync-service/internal/store"
)

// ErrExtractRunning is returned when an extract is requested for an entity
// type that already has one in flight.
var ErrExtractRunning = errors.New("extract is already running for this entity type")

// OptionsError marks a request that was rejected before any work started.
type OptionsError struct {
	Reason string
}

func (e *OptionsError) Error() string {
	return "invalid sync options: " + e.Reason
}

func optionsErrorf(format string, args ...any) *OptionsError {
	return &OptionsError{Reason: fmt.Sprintf(format, args...)}
}

// Time range presets accepted by extract requests. Ranges are half-open
// [from, to) in UTC.
const (
	PresetToday      = "today"
	PresetYesterday  = "yesterday"
	PresetLast7Days  = "last7days"
	PresetLast30Days = "last30days"
	PresetThisMonth  = "thismonth"
	PresetLastMonth  = "lastmonth"
)

func resolvePreset(name string, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch strings.ToLower(name) {
	case PresetToday:
		return midnight, now, nil
	case PresetYesterday:
		return midnight.AddDate(0, 0, -1), midnight, nil
	case PresetLast7Days:
		return now.AddDate(0, 0, -7), now, nil
	case PresetLast30Days:
		return now.AddDate(0, 0, -30), now, nil
	case PresetThisMonth:
		firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfMonth, now, nil
	case PresetLastMonth:
		firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfMonth.AddDate(0, -1, 0), firstOfMonth, nil
	default:
		return time.Time{}, time.Time{}, optionsErrorf("unknown time range preset %q", name)
	}
}

func normalizeEntityType(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case store.EntityContacts:
		return store.EntityContacts, nil
	case store.EntityChats:
		return store.EntityChats, nil
	case "":
		return "", optionsErrorf("entityType is required")
	default:
		return "", optionsErrorf("unknown entity type %q", s)
	}
}

// ExtractOptions selects what one extract run fetches. Leaving every
// selector empty runs an incremental extract from the stored watermark;
// FullSync, a preset or an explicit date pair widens it; ContactID or
// Mobile narrows a chat or contact extract to a single subject.
type ExtractOptions struct {
	EntityType      string
	PageSize        int
	FullSync        bool
	TimeRangePreset string
	DateFrom        *time.Time
	DateTo          *time.Time
	ContactID       string
	Mobile          string
	MaxRecords      int
	TriggeredBy     string
}

// ExtractResult is the outcome of one extract run. A cancelled run reports
// the records it staged before stopping; they are valid and transformable.
type ExtractResult struct {
	SyncID         string     `json:"syncId"`
	EntityType     string     `json:"entityType"`
	Operation      string     `json:"operation"`
	Status         string     `json:"status"`
	RecordsFetched int        `json:"recordsFetched"`
	RecordsStaged  int        `json:"recordsStaged"`
	TotalPages     int        `json:"totalPages"`
	APICallCount   int        `json:"apiCallCount"`
	DateRangeFrom  *time.Time `json:"dateRangeFrom,omitempty"`
	DateRangeTo    *time.Time `json:"dateRangeTo,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    time.Time  `json:"completedAt"`
}

// TransformOptions selects what one transform run processes. ExtractSyncID
// narrows the claim to records staged by that extract; empty processes any
// pending record of the entity type.
type TransformOptions struct {
	EntityType    string
	ExtractSyncID string
	BatchSize     int
	MaxAttempts   int
	TriggeredBy   string
}

// TransformResult is the outcome of one transform run.
type TransformResult struct {
	SyncID             string    `json:"syncId"`
	ExtractSyncID      string    `json:"extractSyncId,omitempty"`
	EntityType         string    `json:"entityType"`
	Status             string    `json:"status"`
	RecordsProcessed   int       `json:"recordsProcessed"`
	RecordsCreated     int       `json:"recordsCreated"`
	RecordsUpdated     int       `json:"recordsUpdated"`
	RecordsSkipped     int       `json:"recordsSkipped"`
	RecordsFailed      int       `json:"recordsFailed"`
	ValidationWarnings int       `json:"validationWarnings"`
	StartedAt          time.Time `json:"startedAt"`
	CompletedAt        time.Time `json:"completedAt"`
}
