package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/store"
)

func TestTransformContactsCreateThenUpdate(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	env.stageContacts(t, contactItem(1, "Ada"), contactItem(2, "Grace"), contactItem(3, "Joan"))

	res, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts", TriggeredBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, res.RecordsProcessed)
	assert.Equal(t, 3, res.RecordsCreated)
	assert.Equal(t, 0, res.RecordsUpdated)
	assert.Equal(t, 0, res.RecordsFailed)

	ada, err := env.store.GetContactByB2ChatID(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, ada)
	firstID := ada.ID
	assert.Equal(t, "Ada", ada.FullName)
	assert.False(t, ada.NeedsFullSync)

	// Re-extracting the same contacts updates rows instead of duplicating.
	env.stageContacts(t, contactItem(1, "Ada"), contactItem(2, "Grace"), contactItem(3, "Joan"))

	res2, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts", TriggeredBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, 3, res2.RecordsProcessed)
	assert.Equal(t, 0, res2.RecordsCreated)
	assert.Equal(t, 3, res2.RecordsUpdated)

	again, err := env.store.GetContactByB2ChatID(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, firstID, again.ID, "canonical id must survive re-syncs")

	// Nothing left to claim.
	res3, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts", TriggeredBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, 0, res3.RecordsProcessed)
}

func TestTransformChatEndToEnd(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	opened := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	chat := b2chat.Chat{
		ChatID:     "chat-100",
		Status:     "CLOSED",
		Provider:   "whatsapp",
		CreatedAt:  &opened,
		PickedUpAt: tp(opened.Add(90 * time.Second)),
		ClosedAt:   tp(opened.Add(time.Hour)),
		ClosedBy:   "jdoe",
		Contact:    b2chat.ContactRef{ContactID: 42, FullName: "Ada Lovelace"},
		Agent:      b2chat.AgentRef{Username: "jdoe", FullName: "John Doe"},
		Messages: []b2chat.Message{
			{MessageID: "m1", Direction: "INCOMING", Text: "hi", Timestamp: &opened},
			{MessageID: "m2", Direction: "OUTGOING", Text: "hello", Timestamp: tp(opened.Add(2 * time.Minute))},
		},
	}
	env.stageChats(t, chatItem(t, chat))

	res, err := env.transform.Transform(ctx, TransformOptions{EntityType: "chats", TriggeredBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)
	assert.Equal(t, 1, res.RecordsCreated)

	stored, err := env.store.GetChatByB2ChatID(ctx, "chat-100")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "closed", stored.Status)
	assert.Equal(t, "whatsapp", stored.Channel)
	assert.Equal(t, 2, stored.MessageCount)
	assert.True(t, stored.PickedUpAt.Valid)
	assert.True(t, stored.ClosedAt.Valid)

	// Pickup after 90s against a 5 minute threshold.
	require.True(t, stored.SLA.TimeToPickup.Valid)
	assert.Equal(t, int64(90), stored.SLA.TimeToPickup.Int64)
	require.True(t, stored.SLA.PickupSLA.Valid)
	assert.True(t, stored.SLA.PickupSLA.Bool)

	// First response falls back to the first outgoing message.
	require.True(t, stored.SLA.TimeToFirstResponse.Valid)
	assert.Equal(t, int64(120), stored.SLA.TimeToFirstResponse.Int64)

	// A single response event is not enough for an average, and without it
	// the rollup stays null.
	assert.False(t, stored.SLA.AvgResponseTime.Valid)
	assert.False(t, stored.SLA.AvgResponseSLA.Valid)
	assert.False(t, stored.SLA.OverallSLA.Valid)

	// The chat's contact exists as a stub awaiting its full sync.
	contact, err := env.store.GetContactByB2ChatID(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.True(t, contact.NeedsFullSync)
	assert.Equal(t, "Ada Lovelace", contact.FullName)
	require.True(t, stored.ContactID.Valid)
	assert.Equal(t, contact.ID, stored.ContactID.String)

	agent, err := env.store.GetAgentByUsername(ctx, "jdoe")
	require.NoError(t, err)
	require.NotNil(t, agent)
	require.True(t, stored.AgentID.Valid)
	assert.Equal(t, agent.ID, stored.AgentID.String)

	msgs, err := env.store.ListChatMessages(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "INCOMING", msgs[0].Direction)
	assert.Equal(t, 0, msgs[0].Ordinal)
	assert.Equal(t, "OUTGOING", msgs[1].Direction)
	assert.Equal(t, stored.ID, msgs[1].ChatID)
}

func TestTransformChatIdempotent(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	opened := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	chat := b2chat.Chat{
		ChatID:    "chat-7",
		Status:    "open",
		Provider:  "livechat",
		CreatedAt: &opened,
		Messages: []b2chat.Message{
			{MessageID: "m1", Direction: "INCOMING", Text: "hi", Timestamp: &opened},
			{MessageID: "m2", Direction: "OUTGOING", Text: "hello", Timestamp: tp(opened.Add(time.Minute))},
		},
	}

	env.stageChats(t, chatItem(t, chat))
	res, err := env.transform.Transform(ctx, TransformOptions{EntityType: "chats"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsCreated)

	first, err := env.store.GetChatByB2ChatID(ctx, "chat-7")
	require.NoError(t, err)
	require.NotNil(t, first)

	// The same chat fetched again updates in place; messages stay deduplicated.
	chat.Status = "closed"
	chat.ClosedAt = tp(opened.Add(2 * time.Hour))
	env.stageChats(t, chatItem(t, chat))

	res2, err := env.transform.Transform(ctx, TransformOptions{EntityType: "chats"})
	require.NoError(t, err)
	assert.Equal(t, 0, res2.RecordsCreated)
	assert.Equal(t, 1, res2.RecordsUpdated)

	second, err := env.store.GetChatByB2ChatID(ctx, "chat-7")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "closed", second.Status)
	assert.True(t, second.ClosedAt.Valid)

	msgs, err := env.store.ListChatMessages(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestTransformStubThenFullSyncConverges(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	opened := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	env.stageChats(t, chatItem(t, b2chat.Chat{
		ChatID:    "chat-1",
		Status:    "open",
		Provider:  "whatsapp",
		CreatedAt: &opened,
		Contact:   b2chat.ContactRef{ContactID: 42, FullName: "A. Lovelace"},
	}))
	_, err := env.transform.Transform(ctx, TransformOptions{EntityType: "chats"})
	require.NoError(t, err)

	stub, err := env.store.GetContactByB2ChatID(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, stub)
	require.True(t, stub.NeedsFullSync)

	// The full contact record arrives later and completes the stub.
	env.stageContacts(t, contactItem(42, "Ada Lovelace"))
	res, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RecordsCreated)
	assert.Equal(t, 1, res.RecordsUpdated)

	full, err := env.store.GetContactByB2ChatID(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Equal(t, stub.ID, full.ID)
	assert.False(t, full.NeedsFullSync)
	assert.Equal(t, "Ada Lovelace", full.FullName)
}

func TestTransformStubNeverDowngradesFullContact(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	env.stageContacts(t, contactItem(42, "Ada Lovelace"))
	_, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts"})
	require.NoError(t, err)

	opened := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	env.stageChats(t, chatItem(t, b2chat.Chat{
		ChatID:    "chat-1",
		Status:    "open",
		Provider:  "whatsapp",
		CreatedAt: &opened,
		Contact:   b2chat.ContactRef{ContactID: 42, FullName: "stale ref"},
	}))
	_, err = env.transform.Transform(ctx, TransformOptions{EntityType: "chats"})
	require.NoError(t, err)

	contact, err := env.store.GetContactByB2ChatID(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.False(t, contact.NeedsFullSync)
	assert.Equal(t, "Ada Lovelace", contact.FullName, "stub must not overwrite the synced contact")

	chat, err := env.store.GetChatByB2ChatID(ctx, "chat-1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	require.True(t, chat.ContactID.Valid)
	assert.Equal(t, contact.ID, chat.ContactID.String)
}

func TestTransformIsolatesBadRecords(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	badPayload := `{"contact_id": broken`
	extract := env.stageContacts(t,
		contactItem(1, "Ada"),
		rawContactItem(badPayload),
		contactItem(3, "Joan"),
	)

	res, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts"})
	require.NoError(t, err, "record failures never fail the run")
	assert.Equal(t, store.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, res.RecordsProcessed)
	assert.Equal(t, 2, res.RecordsCreated)
	assert.Equal(t, 1, res.RecordsFailed)

	rawID := rawRecordID(extract.SyncID, store.EntityContacts, digest(badPayload))
	rec, err := env.store.GetRawRecord(ctx, rawID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.RawStatusFailed, rec.ProcessingStatus)
	assert.Equal(t, 1, rec.ProcessingAttempt)
	require.True(t, rec.ProcessingError.Valid)
	assert.Contains(t, rec.ProcessingError.String, "malformed contact payload")
}

func TestTransformRetriesFailuresUpToCeiling(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	badPayload := `{"chat_id": broken`
	extract := env.stageChats(t, rawChatItem(badPayload))
	opts := TransformOptions{EntityType: "chats", MaxAttempts: 2}

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := env.transform.Transform(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, res.RecordsProcessed, "attempt %d should reprocess", attempt)
		assert.Equal(t, 1, res.RecordsFailed)
	}

	// The ceiling reached, the record is terminal and no longer claimed.
	res, err := env.transform.Transform(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RecordsProcessed)

	rawID := rawRecordID(extract.SyncID, store.EntityChats, digest(badPayload))
	rec, err := env.store.GetRawRecord(ctx, rawID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.RawStatusFailed, rec.ProcessingStatus)
	assert.Equal(t, 2, rec.ProcessingAttempt)
}

func TestTransformSkipsUnidentifiablePayloads(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	payload := `{"full_name": "No Identity"}`
	extract := env.stageContacts(t, rawContactItem(payload))

	res, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)
	assert.Equal(t, 1, res.RecordsSkipped)
	assert.Equal(t, 0, res.RecordsFailed)

	// Skipped records complete; retrying cannot give them an identity.
	rawID := rawRecordID(extract.SyncID, store.EntityContacts, digest(payload))
	rec, err := env.store.GetRawRecord(ctx, rawID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.RawStatusCompleted, rec.ProcessingStatus)
}

func TestTransformCountsValidationWarnings(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	env.stageContacts(t, rawContactItem(`{"contact_id": 9}`)) // no name

	res, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsCreated)
	assert.Equal(t, 1, res.ValidationWarnings)
}

func TestTransformScopedToExtractRun(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	first := env.stageContacts(t, contactItem(1, "Ada"))
	env.stageContacts(t, contactItem(2, "Grace"))

	res, err := env.transform.Transform(ctx, TransformOptions{
		EntityType:    "contacts",
		ExtractSyncID: first.SyncID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)

	ada, err := env.store.GetContactByB2ChatID(ctx, "1")
	require.NoError(t, err)
	assert.NotNil(t, ada)

	grace, err := env.store.GetContactByB2ChatID(ctx, "2")
	require.NoError(t, err)
	assert.Nil(t, grace, "records of other extract runs stay pending")

	counts, err := env.store.CountPendingRawRecords(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(1), counts[0].Count)
}

func TestTransformValidatesExtractRun(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	ctx := context.Background()

	_, err := env.transform.Transform(ctx, TransformOptions{EntityType: "contacts", ExtractSyncID: "ghost"})
	var optsErr *OptionsError
	require.ErrorAs(t, err, &optsErr)
	assert.Contains(t, optsErr.Reason, "does not exist")

	contacts := env.stageContacts(t, contactItem(1, "Ada"))
	_, err = env.transform.Transform(ctx, TransformOptions{EntityType: "chats", ExtractSyncID: contacts.SyncID})
	require.ErrorAs(t, err, &optsErr)
	assert.Contains(t, optsErr.Reason, "staged contacts, not chats")

	running := &store.ExtractRun{
		SyncID:     "still-running",
		EntityType: store.EntityContacts,
		Operation:  store.OperationFullSync,
		Status:     store.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, env.store.CreateExtractRun(ctx, running))
	_, err = env.transform.Transform(ctx, TransformOptions{EntityType: "contacts", ExtractSyncID: "still-running"})
	require.ErrorAs(t, err, &optsErr)
	assert.Contains(t, optsErr.Reason, "still running")
}

// hookStore lets a test fire a callback after each completed record mark.
type hookStore struct {
	store.Store
	completed          int
	afterMarkCompleted func(n int)
}

func (h *hookStore) MarkRawRecordCompleted(ctx context.Context, id string, processedAt time.Time) error {
	err := h.Store.MarkRawRecordCompleted(ctx, id, processedAt)
	h.completed++
	if h.afterMarkCompleted != nil {
		h.afterMarkCompleted(h.completed)
	}
	return err
}

func TestTransformCancellationReleasesClaims(t *testing.T) {
	env := newTestEngines(t, &fakeAPI{})
	env.stageContacts(t,
		contactItem(1, "Ada"),
		contactItem(2, "Grace"),
		contactItem(3, "Joan"),
		contactItem(4, "Mary"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hooked := &hookStore{Store: env.store}
	hooked.afterMarkCompleted = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	engine := NewTransformEngine(hooked, env.registry, env.bus, newTestEvaluator(t), 10, 3)

	res, err := engine.Transform(ctx, TransformOptions{EntityType: "contacts"})
	require.NoError(t, err, "a cancelled run is not an error")
	assert.Equal(t, store.RunStatusCancelled, res.Status)
	assert.Equal(t, 2, res.RecordsProcessed)
	assert.Equal(t, 2, res.RecordsCreated)

	// The two unprocessed claims went back to pending; a fresh run finishes
	// the job and the end state matches an uninterrupted sync.
	res2, err := engine.Transform(context.Background(), TransformOptions{EntityType: "contacts"})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, res2.Status)
	assert.Equal(t, 2, res2.RecordsProcessed)
	assert.Equal(t, 2, res2.RecordsCreated)

	for _, b2chatID := range []string{"1", "2", "3", "4"} {
		c, err := env.store.GetContactByB2ChatID(context.Background(), b2chatID)
		require.NoError(t, err)
		assert.NotNil(t, c, "contact %s should exist after the resumed run", b2chatID)
	}

	run, err := env.store.GetTransformRun(context.Background(), res.SyncID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.RunStatusCancelled, run.Status)
}
