package store

import (
	"fmt"

	"b2chat-sync-service/internal/config"
)

// dialect isolates the SQL that differs between backends: the DSN, the
// conflict clauses and the schema DDL. Both supported drivers use ?
// placeholders, so everything else is shared.
type dialect interface {
	name() string
	driverName() string
	dsn(cfg config.DatabaseConfig) string
	schema() []string

	insertRawRecord() string
	upsertContact() string
	insertContactStub() string
	upsertAgent() string
	upsertChat() string
	insertMessage() string
}

func newDialect(driver string) (dialect, error) {
	switch driver {
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (want mysql or sqlite)", driver)
	}
}

type mysqlDialect struct{}

func (mysqlDialect) name() string       { return "mysql" }
func (mysqlDialect) driverName() string { return "mysql" }

func (mysqlDialect) dsn(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}

func (mysqlDialect) schema() []string { return mysqlSchema }

func (mysqlDialect) insertRawRecord() string {
	return `INSERT INTO raw_records (id, entity_type, source_id, sync_run_id, payload, api_page, api_offset, fetched_at, processed_at, processing_status, processing_error, processing_attempt, claimed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`
}

func (mysqlDialect) upsertContact() string {
	return `INSERT INTO contacts (id, b2chat_id, full_name, mobile, email, identification, address, city, country, company, tags, attributes, needs_full_sync, sync_run_id, source_created_at, source_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		full_name = VALUES(full_name),
		mobile = VALUES(mobile),
		email = VALUES(email),
		identification = VALUES(identification),
		address = VALUES(address),
		city = VALUES(city),
		country = VALUES(country),
		company = VALUES(company),
		tags = VALUES(tags),
		attributes = VALUES(attributes),
		needs_full_sync = 0,
		sync_run_id = VALUES(sync_run_id),
		source_created_at = VALUES(source_created_at),
		source_updated_at = VALUES(source_updated_at),
		updated_at = VALUES(updated_at)`
}

func (mysqlDialect) insertContactStub() string {
	return `INSERT INTO contacts (id, b2chat_id, full_name, mobile, email, identification, address, city, country, company, tags, attributes, needs_full_sync, sync_run_id, source_created_at, source_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`
}

func (mysqlDialect) upsertAgent() string {
	return `INSERT INTO agents (id, username, full_name, email, sync_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		full_name = IF(COALESCE(VALUES(full_name), '') <> '', VALUES(full_name), full_name),
		email = IF(COALESCE(VALUES(email), '') <> '', VALUES(email), email),
		sync_run_id = VALUES(sync_run_id),
		updated_at = VALUES(updated_at)`
}

func (mysqlDialect) upsertChat() string {
	return `INSERT INTO chats (id, b2chat_id, code, status, channel, priority, department, contact_id, agent_id, opened_at, picked_up_at, first_response_at, closed_at, closed_by, message_count, sync_run_id, time_to_pickup, time_to_first_response, avg_response_time, time_to_resolution, business_time_to_pickup, business_time_to_first_response, business_avg_response_time, business_time_to_resolution, pickup_sla, first_response_sla, avg_response_sla, resolution_sla, overall_sla, business_pickup_sla, business_first_response_sla, business_avg_response_sla, business_resolution_sla, business_overall_sla, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		code = VALUES(code),
		status = VALUES(status),
		channel = VALUES(channel),
		priority = VALUES(priority),
		department = VALUES(department),
		contact_id = VALUES(contact_id),
		agent_id = VALUES(agent_id),
		opened_at = VALUES(opened_at),
		picked_up_at = VALUES(picked_up_at),
		first_response_at = VALUES(first_response_at),
		closed_at = VALUES(closed_at),
		closed_by = VALUES(closed_by),
		message_count = VALUES(message_count),
		sync_run_id = VALUES(sync_run_id),
		time_to_pickup = VALUES(time_to_pickup),
		time_to_first_response = VALUES(time_to_first_response),
		avg_response_time = VALUES(avg_response_time),
		time_to_resolution = VALUES(time_to_resolution),
		business_time_to_pickup = VALUES(business_time_to_pickup),
		business_time_to_first_response = VALUES(business_time_to_first_response),
		business_avg_response_time = VALUES(business_avg_response_time),
		business_time_to_resolution = VALUES(business_time_to_resolution),
		pickup_sla = VALUES(pickup_sla),
		first_response_sla = VALUES(first_response_sla),
		avg_response_sla = VALUES(avg_response_sla),
		resolution_sla = VALUES(resolution_sla),
		overall_sla = VALUES(overall_sla),
		business_pickup_sla = VALUES(business_pickup_sla),
		business_first_response_sla = VALUES(business_first_response_sla),
		business_avg_response_sla = VALUES(business_avg_response_sla),
		business_resolution_sla = VALUES(business_resolution_sla),
		business_overall_sla = VALUES(business_overall_sla),
		updated_at = VALUES(updated_at)`
}

func (mysqlDialect) insertMessage() string {
	return `INSERT INTO chat_messages (id, chat_id, direction, type, text, sender, ordinal, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`
}

type sqliteDialect struct{}

func (sqliteDialect) name() string       { return "sqlite" }
func (sqliteDialect) driverName() string { return "sqlite3" }

func (sqliteDialect) dsn(cfg config.DatabaseConfig) string {
	if cfg.FilePath == ":memory:" {
		return ":memory:?_foreign_keys=on"
	}
	return cfg.FilePath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
}

func (sqliteDialect) schema() []string { return sqliteSchema }

func (sqliteDialect) insertRawRecord() string {
	return `INSERT INTO raw_records (id, entity_type, source_id, sync_run_id, payload, api_page, api_offset, fetched_at, processed_at, processing_status, processing_error, processing_attempt, claimed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
}

func (sqliteDialect) upsertContact() string {
	return `INSERT INTO contacts (id, b2chat_id, full_name, mobile, email, identification, address, city, country, company, tags, attributes, needs_full_sync, sync_run_id, source_created_at, source_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(b2chat_id) DO UPDATE SET
		full_name = excluded.full_name,
		mobile = excluded.mobile,
		email = excluded.email,
		identification = excluded.identification,
		address = excluded.address,
		city = excluded.city,
		country = excluded.country,
		company = excluded.company,
		tags = excluded.tags,
		attributes = excluded.attributes,
		needs_full_sync = 0,
		sync_run_id = excluded.sync_run_id,
		source_created_at = excluded.source_created_at,
		source_updated_at = excluded.source_updated_at,
		updated_at = excluded.updated_at`
}

func (sqliteDialect) insertContactStub() string {
	return `INSERT INTO contacts (id, b2chat_id, full_name, mobile, email, identification, address, city, country, company, tags, attributes, needs_full_sync, sync_run_id, source_created_at, source_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(b2chat_id) DO NOTHING`
}

func (sqliteDialect) upsertAgent() string {
	return `INSERT INTO agents (id, username, full_name, email, sync_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
		full_name = CASE WHEN excluded.full_name IS NOT NULL AND excluded.full_name <> '' THEN excluded.full_name ELSE full_name END,
		email = CASE WHEN excluded.email IS NOT NULL AND excluded.email <> '' THEN excluded.email ELSE email END,
		sync_run_id = excluded.sync_run_id,
		updated_at = excluded.updated_at`
}

func (sqliteDialect) upsertChat() string {
	return `INSERT INTO chats (id, b2chat_id, code, status, channel, priority, department, contact_id, agent_id, opened_at, picked_up_at, first_response_at, closed_at, closed_by, message_count, sync_run_id, time_to_pickup, time_to_first_response, avg_response_time, time_to_resolution, business_time_to_pickup, business_time_to_first_response, business_avg_response_time, business_time_to_resolution, pickup_sla, first_response_sla, avg_response_sla, resolution_sla, overall_sla, business_pickup_sla, business_first_response_sla, business_avg_response_sla, business_resolution_sla, business_overall_sla, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(b2chat_id) DO UPDATE SET
		code = excluded.code,
		status = excluded.status,
		channel = excluded.channel,
		priority = excluded.priority,
		department = excluded.department,
		contact_id = excluded.contact_id,
		agent_id = excluded.agent_id,
		opened_at = excluded.opened_at,
		picked_up_at = excluded.picked_up_at,
		first_response_at = excluded.first_response_at,
		closed_at = excluded.closed_at,
		closed_by = excluded.closed_by,
		message_count = excluded.message_count,
		sync_run_id = excluded.sync_run_id,
		time_to_pickup = excluded.time_to_pickup,
		time_to_first_response = excluded.time_to_first_response,
		avg_response_time = excluded.avg_response_time,
		time_to_resolution = excluded.time_to_resolution,
		business_time_to_pickup = excluded.business_time_to_pickup,
		business_time_to_first_response = excluded.business_time_to_first_response,
		business_avg_response_time = excluded.business_avg_response_time,
		business_time_to_resolution = excluded.business_time_to_resolution,
		pickup_sla = excluded.pickup_sla,
		first_response_sla = excluded.first_response_sla,
		avg_response_sla = excluded.avg_response_sla,
		resolution_sla = excluded.resolution_sla,
		overall_sla = excluded.overall_sla,
		business_pickup_sla = excluded.business_pickup_sla,
		business_first_response_sla = excluded.business_first_response_sla,
		business_avg_response_sla = excluded.business_avg_response_sla,
		business_resolution_sla = excluded.business_resolution_sla,
		business_overall_sla = excluded.business_overall_sla,
		updated_at = excluded.updated_at`
}

func (sqliteDialect) insertMessage() string {
	return `INSERT INTO chat_messages (id, chat_id, direction, type, text, sender, ordinal, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
}
