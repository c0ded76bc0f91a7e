package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/logger"
	"b2chat-sync-service/internal/sla"
	"b2chat-sync-service/internal/store"
)

// Manager wires the extract and transform engines to the store, the
// platform client, the run registry and the event bus. It enforces the one
// rule the engines cannot see on their own: at most one extract per entity
// type at a time.
type Manager struct {
	cfg       *config.Config
	store     store.Store
	client    APIClient
	registry  *Registry
	bus       *EventBus
	extract   *ExtractEngine
	transform *TransformEngine

	mu             sync.Mutex
	activeExtracts map[string]bool
}

func NewManager(cfg *config.Config, st store.Store, client APIClient) (*Manager, error) {
	cal, err := sla.NewCalendar(cfg.SLA.OfficeHours, cfg.SLA.Holidays)
	if err != nil {
		return nil, fmt.Errorf("failed to build business calendar: %w", err)
	}
	evaluator := sla.NewEvaluator(cfg.SLA, cal)

	registry := NewRegistry()
	bus := NewEventBus(cfg.Sync.EventHistorySize)

	m := &Manager{
		cfg:            cfg,
		store:          st,
		client:         client,
		registry:       registry,
		bus:            bus,
		extract:        NewExtractEngine(st, client, registry, bus, cfg.Sync.ExtractPageSize),
		transform:      NewTransformEngine(st, registry, bus, evaluator, cfg.Sync.TransformBatchSize, cfg.Sync.MaxAttempts),
		activeExtracts: make(map[string]bool),
	}

	// Anything still marked processing belonged to a run that died with the
	// previous process. Hand it back.
	released, err := st.ResetProcessingRawRecords(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphaned claims: %w", err)
	}
	if released > 0 {
		logger.Log.Info("Recovered orphaned claims from previous run", zap.Int("released", released))
	}

	return m, nil
}

func (m *Manager) beginExtract(entityType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeExtracts[entityType] {
		return ErrExtractRunning
	}
	m.activeExtracts[entityType] = true
	return nil
}

func (m *Manager) endExtract(entityType string) {
	m.mu.Lock()
	delete(m.activeExtracts, entityType)
	m.mu.Unlock()
}

// Extract runs one extraction. Concurrent extracts of different entity
// types are fine; a second extract of the same type is rejected with
// ErrExtractRunning.
func (m *Manager) Extract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error) {
	entityType, err := normalizeEntityType(opts.EntityType)
	if err != nil {
		return nil, err
	}
	if err := m.beginExtract(entityType); err != nil {
		return nil, err
	}
	defer m.endExtract(entityType)

	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "api"
	}
	return m.extract.Extract(ctx, opts)
}

// ExtractAll extracts contacts first, then chats, so chat transforms find
// their contacts already synced as often as possible.
func (m *Manager) ExtractAll(ctx context.Context, opts ExtractOptions) ([]*ExtractResult, error) {
	var results []*ExtractResult
	for _, entityType := range []string{store.EntityContacts, store.EntityChats} {
		o := opts
		o.EntityType = entityType
		res, err := m.Extract(ctx, o)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Transform runs one transformation. Concurrent transforms are allowed;
// the claim protocol keeps them off each other's records.
func (m *Manager) Transform(ctx context.Context, opts TransformOptions) (*TransformResult, error) {
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "api"
	}
	return m.transform.Transform(ctx, opts)
}

// CancelRun signals the run to stop cooperatively. Returns false when no
// such run is active.
func (m *Manager) CancelRun(runID string) bool {
	cancelled := m.registry.Cancel(runID)
	if cancelled {
		logger.Log.Info("Run cancellation requested", zap.String("syncID", runID))
	}
	return cancelled
}

func (m *Manager) ActiveRuns() []RunInfo {
	return m.registry.ListActive()
}

func (m *Manager) Events(limit int, since time.Time) []Event {
	return m.bus.History(limit, since)
}

func (m *Manager) EventStats() EventStats {
	return m.bus.Stats()
}

func (m *Manager) PendingCounts(ctx context.Context) ([]store.PendingCount, error) {
	return m.store.CountPendingRawRecords(ctx)
}

func (m *Manager) GetExtractRun(ctx context.Context, syncID string) (*store.ExtractRun, error) {
	return m.store.GetExtractRun(ctx, syncID)
}

func (m *Manager) ListExtractRuns(ctx context.Context, entityType string, limit int) ([]*store.ExtractRun, error) {
	if entityType != "" {
		normalized, err := normalizeEntityType(entityType)
		if err != nil {
			return nil, err
		}
		entityType = normalized
	}
	return m.store.ListExtractRuns(ctx, entityType, limit)
}

func (m *Manager) GetTransformRun(ctx context.Context, syncID string) (*store.TransformRun, error) {
	return m.store.GetTransformRun(ctx, syncID)
}

func (m *Manager) ListTransformRuns(ctx context.Context, extractSyncID, entityType string, limit int) ([]*store.TransformRun, error) {
	if entityType != "" {
		normalized, err := normalizeEntityType(entityType)
		if err != nil {
			return nil, err
		}
		entityType = normalized
	}
	return m.store.ListTransformRuns(ctx, extractSyncID, entityType, limit)
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// RunScheduledSync is the cron entry point: an incremental extract followed
// by a transform, per entity type. A failure on one entity type does not
// stop the other.
func (m *Manager) RunScheduledSync(ctx context.Context) {
	for _, entityType := range []string{store.EntityContacts, store.EntityChats} {
		extractRes, err := m.Extract(ctx, ExtractOptions{
			EntityType:  entityType,
			TriggeredBy: "scheduler",
		})
		if err != nil {
			if err == ErrExtractRunning {
				logger.Log.Info("Skipping scheduled extract, one is already running", zap.String("entityType", entityType))
			} else {
				logger.Log.Error("Scheduled extract failed", zap.String("entityType", entityType), zap.Error(err))
			}
			continue
		}

		if _, err := m.Transform(ctx, TransformOptions{
			EntityType:    entityType,
			ExtractSyncID: extractRes.SyncID,
			TriggeredBy:   "scheduler",
		}); err != nil {
			logger.Log.Error("Scheduled transform failed", zap.String("entityType", entityType), zap.Error(err))
		}
	}
}

// Shutdown cancels every in-flight run. Engines finish their current page
// or batch, persist terminal state and return.
func (m *Manager) Shutdown() {
	logger.Log.Info("Stopping sync manager")
	m.registry.CancelAll()
}

// DayStats aggregates one UTC day of pipeline activity.
type DayStats struct {
	Date             string `json:"date"`
	ExtractRuns      int    `json:"extractRuns"`
	TransformRuns    int    `json:"transformRuns"`
	RecordsFetched   int    `json:"recordsFetched"`
	RecordsProcessed int    `json:"recordsProcessed"`
	RecordsFailed    int    `json:"recordsFailed"`
}

// Statistics summarizes pipeline activity over a trailing day window.
// Success rates are percentages over terminal runs; cancelled runs count
// toward neither success nor failure.
type Statistics struct {
	Days                 int     `json:"days"`
	ExtractRuns          int     `json:"extractRuns"`
	CompletedExtracts    int     `json:"completedExtracts"`
	FailedExtracts       int     `json:"failedExtracts"`
	CancelledExtracts    int     `json:"cancelledExtracts"`
	TransformRuns        int     `json:"transformRuns"`
	CompletedTransforms  int     `json:"completedTransforms"`
	FailedTransforms     int     `json:"failedTransforms"`
	CancelledTransforms  int     `json:"cancelledTransforms"`
	RecordsFetched       int     `json:"recordsFetched"`
	RecordsProcessed     int     `json:"recordsProcessed"`
	RecordsCreated       int     `json:"recordsCreated"`
	RecordsUpdated       int     `json:"recordsUpdated"`
	RecordsSkipped       int     `json:"recordsSkipped"`
	RecordsFailed        int     `json:"recordsFailed"`
	ValidationWarnings   int     `json:"validationWarnings"`
	ExtractSuccessRate   float64 `json:"extractSuccessRate"`
	TransformSuccessRate float64 `json:"transformSuccessRate"`
	AvgExtractSeconds    float64 `json:"avgExtractSeconds"`
	AvgTransformSeconds  float64 `json:"avgTransformSeconds"`

	Daily []DayStats `json:"daily"`
}

// Statistics computes the trailing-window summary from the run manifests.
func (m *Manager) Statistics(ctx context.Context, days int) (*Statistics, error) {
	if days <= 0 {
		days = 7
	}
	if days > 90 {
		days = 90
	}

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := midnight.AddDate(0, 0, -(days - 1))

	extracts, err := m.store.ListExtractRunsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list extract runs: %w", err)
	}
	transforms, err := m.store.ListTransformRunsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list transform runs: %w", err)
	}

	stats := &Statistics{Days: days}
	daily := make(map[string]*DayStats, days)
	day := func(t time.Time) *DayStats {
		key := t.UTC().Format("2006-01-02")
		d, ok := daily[key]
		if !ok {
			d = &DayStats{Date: key}
			daily[key] = d
		}
		return d
	}

	var extractDur, transformDur time.Duration
	var extractDone, transformDone int

	for _, run := range extracts {
		stats.ExtractRuns++
		stats.RecordsFetched += run.RecordsFetched
		switch run.Status {
		case store.RunStatusCompleted:
			stats.CompletedExtracts++
		case store.RunStatusFailed:
			stats.FailedExtracts++
		case store.RunStatusCancelled:
			stats.CancelledExtracts++
		}
		if run.CompletedAt.Valid {
			extractDur += run.CompletedAt.Time.Sub(run.StartedAt)
			extractDone++
		}
		d := day(run.StartedAt)
		d.ExtractRuns++
		d.RecordsFetched += run.RecordsFetched
	}

	for _, run := range transforms {
		stats.TransformRuns++
		stats.RecordsProcessed += run.RecordsProcessed
		stats.RecordsCreated += run.RecordsCreated
		stats.RecordsUpdated += run.RecordsUpdated
		stats.RecordsSkipped += run.RecordsSkipped
		stats.RecordsFailed += run.RecordsFailed
		stats.ValidationWarnings += run.ValidationWarnings
		switch run.Status {
		case store.RunStatusCompleted:
			stats.CompletedTransforms++
		case store.RunStatusFailed:
			stats.FailedTransforms++
		case store.RunStatusCancelled:
			stats.CancelledTransforms++
		}
		if run.CompletedAt.Valid {
			transformDur += run.CompletedAt.Time.Sub(run.StartedAt)
			transformDone++
		}
		d := day(run.StartedAt)
		d.TransformRuns++
		d.RecordsProcessed += run.RecordsProcessed
		d.RecordsFailed += run.RecordsFailed
	}

	stats.ExtractSuccessRate = successRate(stats.CompletedExtracts, stats.FailedExtracts)
	stats.TransformSuccessRate = successRate(stats.CompletedTransforms, stats.FailedTransforms)
	if extractDone > 0 {
		stats.AvgExtractSeconds = extractDur.Seconds() / float64(extractDone)
	}
	if transformDone > 0 {
		stats.AvgTransformSeconds = transformDur.Seconds() / float64(transformDone)
	}

	stats.Daily = make([]DayStats, 0, len(daily))
	for _, d := range daily {
		stats.Daily = append(stats.Daily, *d)
	}
	sort.Slice(stats.Daily, func(i, j int) bool { return stats.Daily[i].Date < stats.Daily[j].Date })

	return stats, nil
}

func successRate(completed, failed int) float64 {
	total := completed + failed
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}
