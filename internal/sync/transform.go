package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/logger"
	"b2chat-sync-service/internal/sla"
	"b2chat-sync-service/internal/store"
)

// TransformEngine claims staged records in batches and upserts canonical
// rows. One bad record never stops a batch: it is marked failed with its
// error and the run moves on.
type TransformEngine struct {
	store       store.Store
	registry    *Registry
	bus         *EventBus
	evaluator   *sla.Evaluator
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

func NewTransformEngine(st store.Store, registry *Registry, bus *EventBus, evaluator *sla.Evaluator, batchSize, maxAttempts int) *TransformEngine {
	if batchSize <= 0 {
		batchSize = 200
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &TransformEngine{
		store:       st,
		registry:    registry,
		bus:         bus,
		evaluator:   evaluator,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// transformState carries per-run caches: contacts and agents already
// resolved during this run skip their store lookups.
type transformState struct {
	run        *store.TransformRun
	contactIDs map[string]string
	agentIDs   map[string]string
}

// Transform runs one transformation to completion, cancellation or failure.
// Cancellation between batches releases unprocessed claims back to pending
// and reports the counts so far; everything already upserted stays valid.
func (e *TransformEngine) Transform(ctx context.Context, opts TransformOptions) (*TransformResult, error) {
	entityType, err := normalizeEntityType(opts.EntityType)
	if err != nil {
		return nil, err
	}
	if opts.ExtractSyncID != "" {
		extract, err := e.store.GetExtractRun(ctx, opts.ExtractSyncID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up extract run: %w", err)
		}
		if extract == nil {
			return nil, optionsErrorf("extract run %s does not exist", opts.ExtractSyncID)
		}
		if extract.Status == store.RunStatusRunning {
			return nil, optionsErrorf("extract run %s is still running", opts.ExtractSyncID)
		}
		if extract.EntityType != entityType {
			return nil, optionsErrorf("extract run %s staged %s, not %s", opts.ExtractSyncID, extract.EntityType, entityType)
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = e.batchSize
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}

	startedAt := e.now().UTC()
	run := &store.TransformRun{
		SyncID:        uuid.New().String(),
		ExtractSyncID: nullString(opts.ExtractSyncID),
		EntityType:    entityType,
		Status:        store.RunStatusRunning,
		TriggeredBy:   opts.TriggeredBy,
		StartedAt:     startedAt,
	}
	if err := e.store.CreateTransformRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create transform run: %w", err)
	}

	runCtx, err := e.registry.Register(ctx, RunInfo{
		RunID:       run.SyncID,
		Kind:        RunKindTransform,
		EntityType:  entityType,
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
		Kind:        RunKindTransform,
		EntityType:  entityType,
		TriggeredBy: opts.TriggeredBy,
	})
	logger.Log.Info("Transform run started",
		zap.String("syncID", run.SyncID),
		zap.String("entityType", entityType),
		zap.String("extractSyncID", opts.ExtractSyncID),
	)

	state := &transformState{
		run:        run,
		contactIDs: make(map[string]string),
		agentIDs:   make(map[string]string),
	}
	err = e.runBatches(runCtx, state, opts.ExtractSyncID, batchSize, maxAttempts)

	completedAt := e.now().UTC()
	run.CompletedAt = nullTimePtr(&completedAt)

	// Finalization must outlive the caller's context: a run cancelled by a
	// dropped request still has to release its claims and persist state.
	finCtx := context.Background()

	switch {
	case err == nil:
		run.Status = store.RunStatusCompleted
	case isCancelled(runCtx, err):
		run.Status = store.RunStatusCancelled
		err = nil
		if released, rerr := e.store.ReleaseClaimedRawRecords(finCtx, run.SyncID); rerr != nil {
			logger.Log.Error("Failed to release claimed records", zap.String("syncID", run.SyncID), zap.Error(rerr))
		} else if released > 0 {
			logger.Log.Info("Released unprocessed claims", zap.String("syncID", run.SyncID), zap.Int("released", released))
		}
	default:
		run.Status = store.RunStatusFailed
		run.ErrorMessage = nullString(err.Error())
	}

	if uerr := e.store.UpdateTransformRun(finCtx, run); uerr != nil {
		logger.Log.Error("Failed to finalize transform run", zap.String("syncID", run.SyncID), zap.Error(uerr))
		if err == nil {
			err = uerr
		}
	}

	e.emitFinished(run, err)

	result := &TransformResult{
		SyncID:             run.SyncID,
		ExtractSyncID:      opts.ExtractSyncID,
		EntityType:         run.EntityType,
		Status:             run.Status,
		RecordsProcessed:   run.RecordsProcessed,
		RecordsCreated:     run.RecordsCreated,
		RecordsUpdated:     run.RecordsUpdated,
		RecordsSkipped:     run.RecordsSkipped,
		RecordsFailed:      run.RecordsFailed,
		ValidationWarnings: run.ValidationWarnings,
		StartedAt:          run.StartedAt,
		CompletedAt:        completedAt,
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// runBatches claims and processes until no eligible records remain. The
// context is checked before every claim so cancellation lands on a batch
// boundary.
func (e *TransformEngine) runBatches(ctx context.Context, state *transformState, extractSyncID string, batchSize, maxAttempts int) error {
	run := state.run
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.store.ClaimPendingRawRecords(ctx, store.ClaimOptions{
			EntityType:    run.EntityType,
			ExtractSyncID: extractSyncID,
			BatchSize:     batchSize,
			MaxAttempts:   maxAttempts,
			ClaimedBy:     run.SyncID,
		})
		if err != nil {
			return fmt.Errorf("failed to claim batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, record := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.processRecord(ctx, state, record); err != nil {
				return err
			}
		}

		if err := e.store.UpdateTransformRun(ctx, run); err != nil {
			return fmt.Errorf("failed to update transform run: %w", err)
		}
		e.bus.Emit(Event{
			Type:        EventRunProgress,
			RunID:       run.SyncID,
			Kind:        RunKindTransform,
			EntityType:  run.EntityType,
			TriggeredBy: run.TriggeredBy,
			Detail: map[string]any{
				"recordsProcessed": run.RecordsProcessed,
				"recordsFailed":    run.RecordsFailed,
			},
		})
		logger.Log.Debug("Transform batch processed",
			zap.String("syncID", run.SyncID),
			zap.Int("batch", len(batch)),
			zap.Int("processed", run.RecordsProcessed),
		)
	}
}

// processRecord handles one staged record end to end. Failures are isolated:
// the record is marked failed with its error and counted, nothing else. A
// non-nil return means cancellation hit mid-record; the record stays
// claimed and uncounted so the release path can return it to pending.
func (e *TransformEngine) processRecord(ctx context.Context, state *transformState, record *store.RawRecord) error {
	run := state.run

	outcome, err := e.applyRecord(ctx, state, record)
	processedAt := e.now().UTC()

	if err != nil {
		if isCancelled(ctx, err) {
			return err
		}
		run.RecordsProcessed++
		run.RecordsFailed++
		if merr := e.store.MarkRawRecordFailed(ctx, record.ID, err.Error(), processedAt); merr != nil {
			if isCancelled(ctx, merr) {
				return merr
			}
			logger.Log.Error("Failed to mark record failed", zap.String("recordID", record.ID), zap.Error(merr))
		}
		logger.Log.Warn("Record transform failed",
			zap.String("syncID", run.SyncID),
			zap.String("recordID", record.ID),
			zap.String("sourceID", record.SourceID),
			zap.Error(err),
		)
		return nil
	}

	run.RecordsProcessed++
	switch outcome {
	case outcomeCreated:
		run.RecordsCreated++
	case outcomeUpdated:
		run.RecordsUpdated++
	case outcomeSkipped:
		run.RecordsSkipped++
	}
	if merr := e.store.MarkRawRecordCompleted(ctx, record.ID, processedAt); merr != nil {
		if isCancelled(ctx, merr) {
			return merr
		}
		logger.Log.Error("Failed to mark record completed", zap.String("recordID", record.ID), zap.Error(merr))
	}
	return nil
}

type recordOutcome int

const (
	outcomeCreated recordOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

func (e *TransformEngine) applyRecord(ctx context.Context, state *transformState, record *store.RawRecord) (recordOutcome, error) {
	switch record.EntityType {
	case store.EntityContacts:
		return e.applyContact(ctx, state, record)
	case store.EntityChats:
		return e.applyChat(ctx, state, record)
	default:
		return outcomeSkipped, fmt.Errorf("unknown entity type %q", record.EntityType)
	}
}

func (e *TransformEngine) applyContact(ctx context.Context, state *transformState, record *store.RawRecord) (recordOutcome, error) {
	payload, err := b2chat.ParseContact(record.Payload)
	if err != nil {
		return 0, err
	}
	if payload.SourceID() == "" {
		// Unidentifiable payloads are skipped, not retried: no amount of
		// re-processing will give them an identity.
		return outcomeSkipped, nil
	}

	contact, warnings := mapContact(payload, state.run.SyncID)
	state.run.ValidationWarnings += len(warnings)
	for _, w := range warnings {
		logger.Log.Debug("Validation warning", zap.String("syncID", state.run.SyncID), zap.String("warning", w))
	}

	created, err := e.store.UpsertContact(ctx, contact)
	if err != nil {
		return 0, err
	}
	state.contactIDs[contact.B2ChatID] = contact.ID
	if created {
		return outcomeCreated, nil
	}
	return outcomeUpdated, nil
}

func (e *TransformEngine) applyChat(ctx context.Context, state *transformState, record *store.RawRecord) (recordOutcome, error) {
	payload, err := b2chat.ParseChat(record.Payload)
	if err != nil {
		return 0, err
	}
	if payload.ChatID == "" {
		return outcomeSkipped, nil
	}

	mapped := mapChat(payload, state.run.SyncID, record.FetchedAt)
	state.run.ValidationWarnings += len(mapped.warnings)
	for _, w := range mapped.warnings {
		logger.Log.Debug("Validation warning", zap.String("syncID", state.run.SyncID), zap.String("warning", w))
	}

	if mapped.stubContact != nil {
		contactID, err := e.resolveContact(ctx, state, mapped.stubContact)
		if err != nil {
			return 0, err
		}
		mapped.chat.ContactID = nullString(contactID)
	}
	if mapped.agent != nil {
		agentID, err := e.resolveAgent(ctx, state, mapped.agent)
		if err != nil {
			return 0, err
		}
		mapped.chat.AgentID = nullString(agentID)
	}

	result := e.evaluator.Evaluate(mapped.times, mapped.chat.Channel, mapped.chat.Priority)
	mapped.chat.SLA = slaColumns(&result)

	created, err := e.store.UpsertChat(ctx, mapped.chat)
	if err != nil {
		return 0, err
	}
	for _, m := range mapped.messages {
		m.ChatID = mapped.chat.ID
	}
	if _, err := e.store.InsertMessages(ctx, mapped.messages); err != nil {
		return 0, err
	}

	if created {
		return outcomeCreated, nil
	}
	return outcomeUpdated, nil
}

// resolveContact returns the canonical id for a chat's contact reference,
// creating a needs-full-sync stub when the contact has not been synced yet.
// The stub insert is insert-only, so it never overwrites a full contact.
func (e *TransformEngine) resolveContact(ctx context.Context, state *transformState, stub *store.Contact) (string, error) {
	if id, ok := state.contactIDs[stub.B2ChatID]; ok {
		return id, nil
	}

	created, err := e.store.InsertContactStub(ctx, stub)
	if err != nil {
		return "", err
	}
	if !created {
		existing, err := e.store.GetContactByB2ChatID(ctx, stub.B2ChatID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", fmt.Errorf("contact %s vanished during stub resolution", stub.B2ChatID)
		}
		stub.ID = existing.ID
	}

	state.contactIDs[stub.B2ChatID] = stub.ID
	return stub.ID, nil
}

func (e *TransformEngine) resolveAgent(ctx context.Context, state *transformState, agent *store.Agent) (string, error) {
	if id, ok := state.agentIDs[agent.Username]; ok {
		return id, nil
	}

	if _, err := e.store.UpsertAgent(ctx, agent); err != nil {
		return "", err
	}
	state.agentIDs[agent.Username] = agent.ID
	return agent.ID, nil
}

func (e *TransformEngine) emitFinished(run *store.TransformRun, err error) {
	detail := map[string]any{
		"status":           run.Status,
		"recordsProcessed": run.RecordsProcessed,
		"recordsCreated":   run.RecordsCreated,
		"recordsUpdated":   run.RecordsUpdated,
		"recordsSkipped":   run.RecordsSkipped,
		"recordsFailed":    run.RecordsFailed,
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
		Kind:        RunKindTransform,
		EntityType:  run.EntityType,
		TriggeredBy: run.TriggeredBy,
		Detail:      detail,
	})

	switch run.Status {
	case store.RunStatusCompleted:
		logger.Log.Info("Transform run completed",
			zap.String("syncID", run.SyncID),
			zap.Int("processed", run.RecordsProcessed),
			zap.Int("created", run.RecordsCreated),
			zap.Int("updated", run.RecordsUpdated),
			zap.Int("skipped", run.RecordsSkipped),
			zap.Int("failed", run.RecordsFailed),
		)
	case store.RunStatusCancelled:
		logger.Log.Info("Transform run cancelled",
			zap.String("syncID", run.SyncID),
			zap.Int("processed", run.RecordsProcessed),
		)
	default:
		logger.Log.Error("Transform run failed",
			zap.String("syncID", run.SyncID),
			zap.Error(err),
		)
	}
}
