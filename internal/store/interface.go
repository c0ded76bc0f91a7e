package store

import (
	"context"
	"time"
)

// Store is the persistence boundary for staging, run manifests and canonical
// entities. Get methods return (nil, nil) when nothing matches. Canonical
// upserts report whether they created the row, for counter attribution.
type Store interface {
	// Raw staging
	InsertRawRecords(ctx context.Context, records []*RawRecord) (int, error)
	ClaimPendingRawRecords(ctx context.Context, opts ClaimOptions) ([]*RawRecord, error)
	MarkRawRecordCompleted(ctx context.Context, id string, processedAt time.Time) error
	MarkRawRecordFailed(ctx context.Context, id string, procErr string, processedAt time.Time) error
	ReleaseClaimedRawRecords(ctx context.Context, claimedBy string) (int, error)
	ResetProcessingRawRecords(ctx context.Context) (int, error)
	CountPendingRawRecords(ctx context.Context) ([]PendingCount, error)
	GetRawRecord(ctx context.Context, id string) (*RawRecord, error)

	// Extract runs
	CreateExtractRun(ctx context.Context, run *ExtractRun) error
	UpdateExtractRun(ctx context.Context, run *ExtractRun) error
	GetExtractRun(ctx context.Context, syncID string) (*ExtractRun, error)
	ListExtractRuns(ctx context.Context, entityType string, limit int) ([]*ExtractRun, error)
	ListExtractRunsSince(ctx context.Context, since time.Time) ([]*ExtractRun, error)
	LastCompletedExtract(ctx context.Context, entityType string) (*ExtractRun, error)

	// Transform runs
	CreateTransformRun(ctx context.Context, run *TransformRun) error
	UpdateTransformRun(ctx context.Context, run *TransformRun) error
	GetTransformRun(ctx context.Context, syncID string) (*TransformRun, error)
	ListTransformRuns(ctx context.Context, extractSyncID, entityType string, limit int) ([]*TransformRun, error)
	ListTransformRunsSince(ctx context.Context, since time.Time) ([]*TransformRun, error)

	// Canonical entities
	UpsertContact(ctx context.Context, c *Contact) (bool, error)
	InsertContactStub(ctx context.Context, c *Contact) (bool, error)
	GetContactByB2ChatID(ctx context.Context, b2chatID string) (*Contact, error)
	UpsertAgent(ctx context.Context, a *Agent) (bool, error)
	GetAgentByUsername(ctx context.Context, username string) (*Agent, error)
	UpsertChat(ctx context.Context, ch *Chat) (bool, error)
	GetChatByB2ChatID(ctx context.Context, b2chatID string) (*Chat, error)
	InsertMessages(ctx context.Context, msgs []*Message) (int, error)
	ListChatMessages(ctx context.Context, chatID string) ([]*Message, error)

	// General
	Ping(ctx context.Context) error
	Close() error
}
