package sync

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/sla"
	"b2chat-sync-service/internal/store"
)

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// rawRecordID derives the staging id from the run, entity type and source
// id. Retrying a page inside one run rewrites the same rows; a later run
// stages fresh ones.
func rawRecordID(runID, entityType, sourceID string) string {
	return digest(runID + "|" + entityType + "|" + sourceID)
}

// messageID derives a stable message id. Platform message ids are scoped to
// their chat; messages without one fall back to position and timestamp
// within the chat, which is stable across re-fetches of the same payload.
func messageID(chatSourceID string, m b2chat.Message, ordinal int) string {
	if m.MessageID != "" {
		return digest(chatSourceID + "|" + m.MessageID)
	}
	var millis int64
	if m.Timestamp != nil {
		millis = m.Timestamp.UnixMilli()
	}
	return digest(fmt.Sprintf("%s|%s|%d|%d", chatSourceID, strings.ToUpper(m.Direction), ordinal, millis))
}

// mapContact shapes an API contact into its canonical row. Returns
// validation warnings for quality issues that do not block the upsert.
func mapContact(c *b2chat.Contact, runID string) (*store.Contact, []string) {
	var warnings []string

	fullName := strings.TrimSpace(c.FullName)
	if fullName == "" {
		fullName = strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	}
	if fullName == "" {
		warnings = append(warnings, fmt.Sprintf("contact %d has no name", c.ContactID))
	}

	mobile := c.MobileNumber
	if mobile == "" {
		mobile = c.PhoneNumber
	}

	out := &store.Contact{
		B2ChatID:        c.SourceID(),
		FullName:        fullName,
		Mobile:          nullString(mobile),
		Email:           nullString(c.Email),
		Identification:  nullString(c.Identification),
		Address:         nullString(c.Address),
		City:            nullString(c.City),
		Country:         nullString(c.Country),
		Company:         nullString(c.Company),
		Tags:            nullJSON(c.Tags),
		SyncRunID:       runID,
		SourceCreatedAt: nullTimePtr(c.CreatedAt),
		SourceUpdatedAt: nullTimePtr(c.UpdatedAt),
	}
	if len(c.Attributes) > 0 {
		if raw, err := json.Marshal(c.Attributes); err == nil {
			out.Attributes = raw
		}
	}
	return out, warnings
}

// mappedChat is everything one chat payload turns into: the canonical chat
// row, its messages, the contact stub and agent it references, and the
// lifecycle instants the SLA evaluator needs.
type mappedChat struct {
	chat        *store.Chat
	messages    []*store.Message
	stubContact *store.Contact
	agent       *store.Agent
	times       sla.ChatTimes
	warnings    []string
}

// mapChat shapes an API chat into canonical rows. fetchedAt is the staging
// time, used as a last-resort opened timestamp.
func mapChat(c *b2chat.Chat, runID string, fetchedAt time.Time) *mappedChat {
	var warnings []string

	channel := strings.ToLower(strings.TrimSpace(c.Provider))
	if channel == "" {
		channel = "unknown"
		warnings = append(warnings, fmt.Sprintf("chat %s has no channel", c.ChatID))
	}
	priority := strings.ToLower(strings.TrimSpace(c.Priority))
	if priority == "" {
		priority = "normal"
	}
	status := strings.ToLower(strings.TrimSpace(c.Status))
	if status == "" {
		status = "unknown"
		warnings = append(warnings, fmt.Sprintf("chat %s has no status", c.ChatID))
	}

	messages, events, firstOutgoing := mapMessages(c)

	openedAt := time.Time{}
	switch {
	case c.CreatedAt != nil:
		openedAt = c.CreatedAt.UTC()
	case len(messages) > 0 && earliestSentAt(messages) != nil:
		openedAt = earliestSentAt(messages).UTC()
		warnings = append(warnings, fmt.Sprintf("chat %s has no opened timestamp, using earliest message", c.ChatID))
	default:
		openedAt = fetchedAt.UTC()
		warnings = append(warnings, fmt.Sprintf("chat %s has no opened timestamp, using fetch time", c.ChatID))
	}

	firstResponseAt := c.RespondedAt
	if firstResponseAt == nil {
		firstResponseAt = firstOutgoing
	}

	chat := &store.Chat{
		B2ChatID:        c.ChatID,
		Code:            nullString(c.Code),
		Status:          status,
		Channel:         channel,
		Priority:        priority,
		Department:      nullString(c.Department),
		OpenedAt:        openedAt,
		PickedUpAt:      nullTimePtr(c.PickedUpAt),
		FirstResponseAt: nullTimePtr(firstResponseAt),
		ClosedAt:        nullTimePtr(c.ClosedAt),
		ClosedBy:        nullString(c.ClosedBy),
		MessageCount:    len(messages),
		SyncRunID:       runID,
	}

	var stub *store.Contact
	if c.Contact.SourceID() != "" {
		stub = &store.Contact{
			B2ChatID:  c.Contact.SourceID(),
			FullName:  strings.TrimSpace(c.Contact.FullName),
			Mobile:    nullString(c.Contact.MobileNumber),
			Email:     nullString(c.Contact.Email),
			SyncRunID: runID,
		}
	}

	var agent *store.Agent
	if strings.TrimSpace(c.Agent.Username) != "" {
		agent = &store.Agent{
			Username:  strings.TrimSpace(c.Agent.Username),
			FullName:  nullString(c.Agent.FullName),
			Email:     nullString(c.Agent.Email),
			SyncRunID: runID,
		}
	}

	return &mappedChat{
		chat:        chat,
		messages:    messages,
		stubContact: stub,
		agent:       agent,
		times: sla.ChatTimes{
			OpenedAt:        openedAt,
			PickedUpAt:      c.PickedUpAt,
			FirstResponseAt: firstResponseAt,
			ClosedAt:        c.ClosedAt,
			ResponseEvents:  events,
		},
		warnings: warnings,
	}
}

// mapMessages shapes the chat's messages in their source order and derives
// response events: each outgoing message answers the earliest incoming one
// still waiting, matching how agents work a conversation.
func mapMessages(c *b2chat.Chat) ([]*store.Message, []sla.ResponseEvent, *time.Time) {
	messages := make([]*store.Message, 0, len(c.Messages))
	var events []sla.ResponseEvent
	var firstOutgoing *time.Time
	var pendingAsk *time.Time

	for i, m := range c.Messages {
		direction := strings.ToUpper(strings.TrimSpace(m.Direction))
		msgType := strings.TrimSpace(m.Type)
		if msgType == "" {
			msgType = "text"
		}

		messages = append(messages, &store.Message{
			ID:        messageID(c.ChatID, m, i),
			Direction: direction,
			Type:      msgType,
			Text:      nullString(m.Text),
			Sender:    nullString(m.Sender),
			Ordinal:   i,
			SentAt:    nullTimePtr(m.Timestamp),
		})

		switch direction {
		case "INCOMING":
			if pendingAsk == nil && m.Timestamp != nil {
				t := m.Timestamp.UTC()
				pendingAsk = &t
			}
		case "OUTGOING":
			if m.Timestamp != nil {
				t := m.Timestamp.UTC()
				if firstOutgoing == nil {
					firstOutgoing = &t
				}
				if pendingAsk != nil {
					events = append(events, sla.ResponseEvent{AskedAt: *pendingAsk, RepliedAt: t})
					pendingAsk = nil
				}
			}
		}
	}
	return messages, events, firstOutgoing
}

func earliestSentAt(messages []*store.Message) *time.Time {
	var earliest *time.Time
	for _, m := range messages {
		if !m.SentAt.Valid {
			continue
		}
		t := m.SentAt.Time
		if earliest == nil || t.Before(*earliest) {
			earliest = &t
		}
	}
	return earliest
}

// slaColumns converts an evaluation result into the chat's nullable SLA
// columns.
func slaColumns(r *sla.Result) store.ChatSLA {
	return store.ChatSLA{
		TimeToPickup:        nullInt64(r.TimeToPickup),
		TimeToFirstResponse: nullInt64(r.TimeToFirstResponse),
		AvgResponseTime:     nullInt64(r.AvgResponseTime),
		TimeToResolution:    nullInt64(r.TimeToResolution),

		BusinessTimeToPickup:        nullInt64(r.BusinessTimeToPickup),
		BusinessTimeToFirstResponse: nullInt64(r.BusinessTimeToFirstResponse),
		BusinessAvgResponseTime:     nullInt64(r.BusinessAvgResponseTime),
		BusinessTimeToResolution:    nullInt64(r.BusinessTimeToResolution),

		PickupSLA:        nullBool(r.PickupSLA),
		FirstResponseSLA: nullBool(r.FirstResponseSLA),
		AvgResponseSLA:   nullBool(r.AvgResponseSLA),
		ResolutionSLA:    nullBool(r.ResolutionSLA),
		OverallSLA:       nullBool(r.OverallSLA),

		BusinessPickupSLA:        nullBool(r.BusinessPickupSLA),
		BusinessFirstResponseSLA: nullBool(r.BusinessFirstResponseSLA),
		BusinessAvgResponseSLA:   nullBool(r.BusinessAvgResponseSLA),
		BusinessResolutionSLA:    nullBool(r.BusinessResolutionSLA),
		BusinessOverallSLA:       nullBool(r.BusinessOverallSLA),
	}
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func nullJSON(items []string) sql.NullString {
	if len(items) == 0 {
		return sql.NullString{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
