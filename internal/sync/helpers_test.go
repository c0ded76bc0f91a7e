package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/sla"
	"b2chat-sync-service/internal/store"
)

// fakeAPI scripts platform responses page by page and records the requests
// it saw. Pages past the script come back empty.
type fakeAPI struct {
	mu sync.Mutex

	contactPages []b2chat.ContactPage
	chatPages    []b2chat.ChatPage

	contactErrs map[int]error
	chatErrs    map[int]error

	contactCalls []b2chat.ContactExportRequest
	chatCalls    []b2chat.ChatSearchRequest

	// Called after a page is served, before it is returned to the engine.
	afterContactPage func(page int)
	afterChatPage    func(page int)
}

func (f *fakeAPI) ExportContacts(ctx context.Context, req b2chat.ContactExportRequest) (*b2chat.ContactPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.contactCalls = append(f.contactCalls, req)
	pages := f.contactPages
	f.mu.Unlock()

	if err := f.contactErrs[req.Page]; err != nil {
		return nil, err
	}

	page := b2chat.ContactPage{Page: req.Page}
	if req.Page <= len(pages) {
		page = pages[req.Page-1]
	}
	if f.afterContactPage != nil {
		f.afterContactPage(req.Page)
	}
	return &page, nil
}

func (f *fakeAPI) SearchChats(ctx context.Context, req b2chat.ChatSearchRequest) (*b2chat.ChatPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, req)
	pages := f.chatPages
	f.mu.Unlock()

	if err := f.chatErrs[req.Page]; err != nil {
		return nil, err
	}

	page := b2chat.ChatPage{Page: req.Page}
	if req.Page <= len(pages) {
		page = pages[req.Page-1]
	}
	if f.afterChatPage != nil {
		f.afterChatPage(req.Page)
	}
	return &page, nil
}

func (f *fakeAPI) lastContactCall(t *testing.T) b2chat.ContactExportRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.contactCalls)
	return f.contactCalls[len(f.contactCalls)-1]
}

// contactItem builds a well-formed contact payload the way the page decoder
// would: parsed struct plus verbatim raw bytes.
func contactItem(id int64, name string) b2chat.ContactItem {
	raw := fmt.Sprintf(`{"contact_id": %d, "full_name": %q, "mobile_number": "+5730000%04d"}`, id, name, id)
	var c b2chat.Contact
	_ = json.Unmarshal([]byte(raw), &c)
	return b2chat.ContactItem{Contact: c, Raw: json.RawMessage(raw)}
}

// rawContactItem stages an arbitrary payload. The parsed side mirrors the
// page decoder: best effort, zero-valued when the payload does not decode.
func rawContactItem(raw string) b2chat.ContactItem {
	var c b2chat.Contact
	_ = json.Unmarshal([]byte(raw), &c)
	return b2chat.ContactItem{Contact: c, Raw: json.RawMessage(raw)}
}

func contactPage(page, totalPages int, ids ...int64) b2chat.ContactPage {
	items := make([]b2chat.ContactItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, contactItem(id, fmt.Sprintf("Contact %d", id)))
	}
	return b2chat.ContactPage{Items: items, Page: page, PageSize: len(items), TotalPages: totalPages}
}

func chatItem(t *testing.T, chat b2chat.Chat) b2chat.ChatItem {
	t.Helper()
	raw, err := json.Marshal(chat)
	require.NoError(t, err)
	return b2chat.ChatItem{Chat: chat, Raw: raw}
}

func rawChatItem(raw string) b2chat.ChatItem {
	var c b2chat.Chat
	_ = json.Unmarshal([]byte(raw), &c)
	return b2chat.ChatItem{Chat: c, Raw: json.RawMessage(raw)}
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{Driver: "sqlite", FilePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestEvaluator(t *testing.T) *sla.Evaluator {
	t.Helper()
	cal, err := sla.NewCalendar(sla.ScheduleConfig{}, sla.HolidayConfig{})
	require.NoError(t, err)
	return sla.NewEvaluator(sla.Config{
		Thresholds: sla.Thresholds{Pickup: 5, FirstResponse: 15, AvgResponse: 30, Resolution: 480},
	}, cal)
}

// testEngines wires both engines over one in-memory store.
type testEngines struct {
	store     *store.SQLStore
	client    *fakeAPI
	registry  *Registry
	bus       *EventBus
	extract   *ExtractEngine
	transform *TransformEngine
}

func newTestEngines(t *testing.T, client *fakeAPI) *testEngines {
	t.Helper()
	st := newTestStore(t)
	registry := NewRegistry()
	bus := NewEventBus(100)

	return &testEngines{
		store:     st,
		client:    client,
		registry:  registry,
		bus:       bus,
		extract:   NewExtractEngine(st, client, registry, bus, 100),
		transform: NewTransformEngine(st, registry, bus, newTestEvaluator(t), 50, 3),
	}
}

// stageContacts runs one full-sync extract over the given items and returns
// its result. Each call is its own extract run.
func (env *testEngines) stageContacts(t *testing.T, items ...b2chat.ContactItem) *ExtractResult {
	t.Helper()
	env.client.mu.Lock()
	env.client.contactPages = []b2chat.ContactPage{{Items: items, Page: 1, TotalPages: 1}}
	env.client.mu.Unlock()

	res, err := env.extract.Extract(context.Background(), ExtractOptions{
		EntityType:  store.EntityContacts,
		FullSync:    true,
		TriggeredBy: "test",
	})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, res.Status)
	return res
}

func (env *testEngines) stageChats(t *testing.T, items ...b2chat.ChatItem) *ExtractResult {
	t.Helper()
	env.client.mu.Lock()
	env.client.chatPages = []b2chat.ChatPage{{Items: items, Page: 1, TotalPages: 1}}
	env.client.mu.Unlock()

	res, err := env.extract.Extract(context.Background(), ExtractOptions{
		EntityType:  store.EntityChats,
		FullSync:    true,
		TriggeredBy: "test",
	})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, res.Status)
	return res
}
