package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/logger"
	"b2chat-sync-service/internal/store"
)

// APIClient is the slice of the platform client the extract engine uses.
type APIClient interface {
	ExportContacts(ctx context.Context, req b2chat.ContactExportRequest) (*b2chat.ContactPage, error)
	SearchChats(ctx context.Context, req b2chat.ChatSearchRequest) (*b2chat.ChatPage, error)
}

// ExtractEngine pulls pages from the platform API and stages them verbatim.
// Every page is persisted and the run manifest updated before the next
// fetch, so cancellation or failure always leaves consumable work behind.
type ExtractEngine struct {
	store    store.Store
	client   APIClient
	registry *Registry
	bus      *EventBus
	pageSize int
	now      func() time.Time
}

func NewExtractEngine(st store.Store, client APIClient, registry *Registry, bus *EventBus, pageSize int) *ExtractEngine {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &ExtractEngine{
		store:    st,
		client:   client,
		registry: registry,
		bus:      bus,
		pageSize: pageSize,
		now:      time.Now,
	}
}

type extractPlan struct {
	entityType string
	operation  string
	pageSize   int
	from       *time.Time
	to         *time.Time
	contactID  string
	mobile     string
	maxRecords int
}

// plan validates the options and resolves the operation and time window.
// Incremental runs read the watermark of the last completed extract; with
// no watermark the window stays open and the run fetches everything.
func (e *ExtractEngine) plan(ctx context.Context, opts ExtractOptions) (*extractPlan, error) {
	entityType, err := normalizeEntityType(opts.EntityType)
	if err != nil {
		return nil, err
	}

	if opts.Mobile != "" && entityType != store.EntityContacts {
		return nil, optionsErrorf("mobile filter only applies to contacts")
	}
	if opts.ContactID != "" && entityType != store.EntityChats {
		return nil, optionsErrorf("contactId filter only applies to chats")
	}
	if opts.DateTo != nil && opts.DateFrom == nil {
		return nil, optionsErrorf("dateFrom is required when dateTo is set")
	}
	if opts.DateFrom != nil && opts.DateTo != nil && opts.DateTo.Before(*opts.DateFrom) {
		return nil, optionsErrorf("dateTo is before dateFrom")
	}
	if opts.FullSync && (opts.TimeRangePreset != "" || opts.DateFrom != nil) {
		return nil, optionsErrorf("fullSync cannot be combined with a time range")
	}
	if opts.TimeRangePreset != "" && opts.DateFrom != nil {
		return nil, optionsErrorf("timeRangePreset cannot be combined with explicit dates")
	}
	if opts.MaxRecords < 0 {
		return nil, optionsErrorf("maxRecords cannot be negative")
	}

	p := &extractPlan{
		entityType: entityType,
		pageSize:   opts.PageSize,
		contactID:  opts.ContactID,
		mobile:     opts.Mobile,
		maxRecords: opts.MaxRecords,
	}
	if p.pageSize <= 0 {
		p.pageSize = e.pageSize
	}

	now := e.now().UTC()
	switch {
	case opts.Mobile != "" || opts.ContactID != "":
		p.operation = store.OperationSingle
		p.from = opts.DateFrom
		p.to = opts.DateTo

	case opts.DateFrom != nil:
		p.operation = store.OperationDateRange
		from := opts.DateFrom.UTC()
		p.from = &from
		to := now
		if opts.DateTo != nil {
			to = opts.DateTo.UTC()
		}
		p.to = &to

	case opts.TimeRangePreset != "":
		from, to, err := resolvePreset(opts.TimeRangePreset, now)
		if err != nil {
			return nil, err
		}
		p.operation = store.OperationDateRange
		p.from = &from
		p.to = &to

	case opts.FullSync:
		p.operation = store.OperationFullSync

	default:
		p.operation = store.OperationIncremental
		last, err := e.store.LastCompletedExtract(ctx, entityType)
		if err != nil {
			return nil, fmt.Errorf("failed to read extract watermark: %w", err)
		}
		if last != nil {
			from := watermark(last)
			p.from = &from
			p.to = &now
		}
	}
	return p, nil
}

// watermark picks where the next incremental extract resumes: the end of
// the last completed run's window, or its completion time when it had no
// window.
func watermark(run *store.ExtractRun) time.Time {
	if run.DateRangeTo.Valid {
		return run.DateRangeTo.Time.UTC()
	}
	if run.CompletedAt.Valid {
		return run.CompletedAt.Time.UTC()
	}
	return run.StartedAt.UTC()
}

// Extract runs one extraction to completion, cancellation or failure. A
// cancelled run is not an error: its result reports what was staged.
func (e *ExtractEngine) Extract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error) {
	plan, err := e.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	startedAt := e.now().UTC()
	run := &store.ExtractRun{
		SyncID:        uuid.New().String(),
		EntityType:    plan.entityType,
		Operation:     plan.operation,
		Status:        store.RunStatusRunning,
		TriggeredBy:   opts.TriggeredBy,
		StartedAt:     startedAt,
		DateRangeFrom: nullTimePtr(plan.from),
		DateRangeTo:   nullTimePtr(plan.to),
	}
	if err := e.store.CreateExtractRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create extract run: %w", err)
	}

	runCtx, err := e.registry.Register(ctx, RunInfo{
		RunID:       run.SyncID,
		Kind:        RunKindExtract,
		EntityType:  plan.entityType,
		TriggeredBy: opts.TriggeredBy,
		StartedAt:   startedAt,
	})
	if err != nil {
		return nil, err
	}
	defer e.registry.Unregister(run.SyncID)

	e.bus.Emit(Event{
		Type:        EventRunStarted,
		RunID:       run.SyncID,
		Kind:        RunKindExtract,
		EntityType:  plan.entityType,
		TriggeredBy: opts.TriggeredBy,
		Detail:      map[string]any{"operation": plan.operation},
	})
	logger.Log.Info("Extract run started",
		zap.String("syncID", run.SyncID),
		zap.String("entityType", plan.entityType),
		zap.String("operation", plan.operation),
	)

	staged, err := e.runPages(runCtx, run, plan)

	completedAt := e.now().UTC()
	run.CompletedAt = nullTimePtr(&completedAt)

	switch {
	case err == nil:
		run.Status = store.RunStatusCompleted
	case isCancelled(runCtx, err):
		run.Status = store.RunStatusCancelled
		err = nil
	default:
		run.Status = store.RunStatusFailed
		run.ErrorMessage = nullString(err.Error())
		run.Metadata = extractDiagnostics(err)
	}

	// Finalization must outlive the caller's context: a run cancelled by a
	// dropped request still has to persist its terminal state.
	finCtx := context.Background()
	if uerr := e.store.UpdateExtractRun(finCtx, run); uerr != nil {
		logger.Log.Error("Failed to finalize extract run", zap.String("syncID", run.SyncID), zap.Error(uerr))
		if err == nil {
			err = uerr
		}
	}

	e.emitFinished(run, staged, err)

	result := &ExtractResult{
		SyncID:         run.SyncID,
		EntityType:     run.EntityType,
		Operation:      run.Operation,
		Status:         run.Status,
		RecordsFetched: run.RecordsFetched,
		RecordsStaged:  staged,
		TotalPages:     run.TotalPages,
		APICallCount:   run.APICallCount,
		DateRangeFrom:  plan.from,
		DateRangeTo:    plan.to,
		StartedAt:      run.StartedAt,
		CompletedAt:    completedAt,
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// runPages drives the page loop. The context is checked before every fetch
// so cancellation lands between pages, never inside one.
func (e *ExtractEngine) runPages(ctx context.Context, run *store.ExtractRun, plan *extractPlan) (int, error) {
	staged := 0
	page := 1

	for {
		if err := ctx.Err(); err != nil {
			return staged, err
		}

		fetchedAt := e.now().UTC()
		fp, err := e.fetchPage(ctx, run, plan, page, fetchedAt)
		if err != nil {
			return staged, err
		}
		run.APICallCount++

		inserted, err := e.store.InsertRawRecords(ctx, fp.records)
		if err != nil {
			return staged, fmt.Errorf("failed to stage page %d: %w", page, err)
		}
		staged += inserted
		run.RecordsFetched += fp.count
		if fp.totalPages > 0 {
			run.TotalPages = fp.totalPages
		} else {
			run.TotalPages = page
		}

		if err := e.store.UpdateExtractRun(ctx, run); err != nil {
			return staged, fmt.Errorf("failed to update extract run: %w", err)
		}

		e.bus.Emit(Event{
			Type:        EventRunProgress,
			RunID:       run.SyncID,
			Kind:        RunKindExtract,
			EntityType:  run.EntityType,
			TriggeredBy: run.TriggeredBy,
			Detail: map[string]any{
				"page":           page,
				"recordsFetched": run.RecordsFetched,
			},
		})
		logger.Log.Debug("Extract page staged",
			zap.String("syncID", run.SyncID),
			zap.Int("page", page),
			zap.Int("fetched", fp.count),
			zap.Int("staged", inserted),
		)

		if fp.count == 0 {
			return staged, nil
		}
		if plan.maxRecords > 0 && run.RecordsFetched >= plan.maxRecords {
			return staged, nil
		}
		if fp.totalPages > 0 && page >= fp.totalPages {
			return staged, nil
		}
		if fp.totalPages == 0 && !fp.existsMore {
			return staged, nil
		}
		page++
	}
}

type fetchedPage struct {
	records    []*store.RawRecord
	count      int
	totalPages int
	existsMore bool
}

func (e *ExtractEngine) fetchPage(ctx context.Context, run *store.ExtractRun, plan *extractPlan, page int, fetchedAt time.Time) (*fetchedPage, error) {
	switch plan.entityType {
	case store.EntityContacts:
		resp, err := e.client.ExportContacts(ctx, b2chat.ContactExportRequest{
			Page:     page,
			PageSize: plan.pageSize,
			Mobile:   plan.mobile,
			From:     plan.from,
			To:       plan.to,
		})
		if err != nil {
			return nil, err
		}
		fp := &fetchedPage{count: len(resp.Items), totalPages: resp.TotalPages, existsMore: resp.ExistsMore}
		for i, item := range resp.Items {
			fp.records = append(fp.records, e.rawRecord(run, plan.entityType, item.SourceID(), item.Raw, page, i, fetchedAt))
		}
		return fp, nil

	case store.EntityChats:
		resp, err := e.client.SearchChats(ctx, b2chat.ChatSearchRequest{
			Page:      page,
			PageSize:  plan.pageSize,
			From:      plan.from,
			To:        plan.to,
			ContactID: plan.contactID,
		})
		if err != nil {
			return nil, err
		}
		fp := &fetchedPage{count: len(resp.Items), totalPages: resp.TotalPages, existsMore: resp.ExistsMore}
		for i, item := range resp.Items {
			fp.records = append(fp.records, e.rawRecord(run, plan.entityType, item.ChatID, item.Raw, page, i, fetchedAt))
		}
		return fp, nil

	default:
		return nil, optionsErrorf("unknown entity type %q", plan.entityType)
	}
}

// rawRecord builds one staging row. Records without a platform id get a
// payload digest instead so they stay stageable and individually
// addressable.
func (e *ExtractEngine) rawRecord(run *store.ExtractRun, entityType, sourceID string, raw json.RawMessage, page, offset int, fetchedAt time.Time) *store.RawRecord {
	if sourceID == "" {
		sourceID = digest(string(raw))
	}
	return &store.RawRecord{
		ID:               rawRecordID(run.SyncID, entityType, sourceID),
		EntityType:       entityType,
		SourceID:         sourceID,
		SyncRunID:        run.SyncID,
		Payload:          raw,
		APIPage:          page,
		APIOffset:        offset,
		FetchedAt:        fetchedAt,
		ProcessingStatus: store.RawStatusPending,
	}
}

func (e *ExtractEngine) emitFinished(run *store.ExtractRun, staged int, err error) {
	detail := map[string]any{
		"status":         run.Status,
		"recordsFetched": run.RecordsFetched,
		"recordsStaged":  staged,
	}
	eventType := EventRunCompleted
	if run.Status == store.RunStatusFailed {
		eventType = EventRunFailed
		if err != nil {
			detail["error"] = err.Error()
		}
	}
	e.bus.Emit(Event{
		Type:        eventType,
		RunID:       run.SyncID,
		Kind:        RunKindExtract,
		EntityType:  run.EntityType,
		TriggeredBy: run.TriggeredBy,
		Detail:      detail,
	})

	switch run.Status {
	case store.RunStatusCompleted:
		logger.Log.Info("Extract run completed",
			zap.String("syncID", run.SyncID),
			zap.Int("recordsFetched", run.RecordsFetched),
			zap.Int("recordsStaged", staged),
			zap.Int("apiCalls", run.APICallCount),
		)
	case store.RunStatusCancelled:
		logger.Log.Info("Extract run cancelled",
			zap.String("syncID", run.SyncID),
			zap.Int("recordsStaged", staged),
		)
	default:
		logger.Log.Error("Extract run failed",
			zap.String("syncID", run.SyncID),
			zap.Error(err),
		)
	}
}

// isCancelled reports whether the error is the run winding down after its
// context was cancelled, as opposed to a genuine failure.
func isCancelled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// extractDiagnostics captures upstream failure details in the run manifest
// so a fatal run can be diagnosed without replaying it.
func extractDiagnostics(err error) json.RawMessage {
	var apiErr *b2chat.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	diag := map[string]any{
		"endpoint":   apiErr.Endpoint,
		"statusCode": apiErr.StatusCode,
		"requestUrl": apiErr.RequestURL,
		"retryable":  apiErr.Retryable,
		"attempts":   apiErr.Attempts,
	}
	if apiErr.RawResponse != "" {
		diag["rawResponse"] = apiErr.RawResponse
	}
	raw, jerr := json.Marshal(diag)
	if jerr != nil {
		return nil
	}
	return raw
}
