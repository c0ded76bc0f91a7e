package store

// Schema DDL per dialect. Statements are idempotent so Open can run them on
// every start. MySQL has no CREATE INDEX IF NOT EXISTS, hence the inline KEY
// clauses there and standalone index statements for SQLite.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_records (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		sync_run_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		api_page INTEGER NOT NULL DEFAULT 0,
		api_offset INTEGER NOT NULL DEFAULT 0,
		fetched_at DATETIME NOT NULL,
		processed_at DATETIME,
		processing_status TEXT NOT NULL DEFAULT 'pending',
		processing_error TEXT,
		processing_attempt INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_records_claim ON raw_records(entity_type, processing_status, fetched_at)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_records_run ON raw_records(sync_run_id)`,

	`CREATE TABLE IF NOT EXISTS extract_runs (
		sync_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		records_fetched INTEGER NOT NULL DEFAULT 0,
		total_pages INTEGER NOT NULL DEFAULT 0,
		api_call_count INTEGER NOT NULL DEFAULT 0,
		date_range_from DATETIME,
		date_range_to DATETIME,
		error_message TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extract_runs_entity ON extract_runs(entity_type, status, started_at)`,

	`CREATE TABLE IF NOT EXISTS transform_runs (
		sync_id TEXT PRIMARY KEY,
		extract_sync_id TEXT,
		entity_type TEXT NOT NULL,
		status TEXT NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		records_processed INTEGER NOT NULL DEFAULT 0,
		records_created INTEGER NOT NULL DEFAULT 0,
		records_updated INTEGER NOT NULL DEFAULT 0,
		records_skipped INTEGER NOT NULL DEFAULT 0,
		records_failed INTEGER NOT NULL DEFAULT 0,
		validation_warnings INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transform_runs_extract ON transform_runs(extract_sync_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transform_runs_entity ON transform_runs(entity_type, status, started_at)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		b2chat_id TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL DEFAULT '',
		mobile TEXT,
		email TEXT,
		identification TEXT,
		address TEXT,
		city TEXT,
		country TEXT,
		company TEXT,
		tags TEXT,
		attributes TEXT,
		needs_full_sync INTEGER NOT NULL DEFAULT 0,
		sync_run_id TEXT NOT NULL DEFAULT '',
		source_created_at DATETIME,
		source_updated_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_needs_full_sync ON contacts(needs_full_sync)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		full_name TEXT,
		email TEXT,
		sync_run_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		b2chat_id TEXT NOT NULL UNIQUE,
		code TEXT,
		status TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT '',
		department TEXT,
		contact_id TEXT,
		agent_id TEXT,
		opened_at DATETIME NOT NULL,
		picked_up_at DATETIME,
		first_response_at DATETIME,
		closed_at DATETIME,
		closed_by TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		sync_run_id TEXT NOT NULL DEFAULT '',
		time_to_pickup INTEGER,
		time_to_first_response INTEGER,
		avg_response_time INTEGER,
		time_to_resolution INTEGER,
		business_time_to_pickup INTEGER,
		business_time_to_first_response INTEGER,
		business_avg_response_time INTEGER,
		business_time_to_resolution INTEGER,
		pickup_sla INTEGER,
		first_response_sla INTEGER,
		avg_response_sla INTEGER,
		resolution_sla INTEGER,
		overall_sla INTEGER,
		business_pickup_sla INTEGER,
		business_first_response_sla INTEGER,
		business_avg_response_sla INTEGER,
		business_resolution_sla INTEGER,
		business_overall_sla INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_contact ON chats(contact_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_agent ON chats(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_opened_at ON chats(opened_at)`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		text TEXT,
		sender TEXT,
		ordinal INTEGER NOT NULL DEFAULT 0,
		sent_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, ordinal)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_records (
		id VARCHAR(64) NOT NULL,
		entity_type VARCHAR(32) NOT NULL,
		source_id VARCHAR(191) NOT NULL,
		sync_run_id VARCHAR(64) NOT NULL,
		payload MEDIUMTEXT NOT NULL,
		api_page INT NOT NULL DEFAULT 0,
		api_offset INT NOT NULL DEFAULT 0,
		fetched_at DATETIME(6) NOT NULL,
		processed_at DATETIME(6) NULL,
		processing_status VARCHAR(16) NOT NULL DEFAULT 'pending',
		processing_error TEXT NULL,
		processing_attempt INT NOT NULL DEFAULT 0,
		claimed_by VARCHAR(64) NULL,
		PRIMARY KEY (id),
		KEY idx_raw_records_claim (entity_type, processing_status, fetched_at),
		KEY idx_raw_records_run (sync_run_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS extract_runs (
		sync_id VARCHAR(64) NOT NULL,
		entity_type VARCHAR(32) NOT NULL,
		operation VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		triggered_by VARCHAR(128) NOT NULL DEFAULT '',
		started_at DATETIME(6) NOT NULL,
		completed_at DATETIME(6) NULL,
		records_fetched INT NOT NULL DEFAULT 0,
		total_pages INT NOT NULL DEFAULT 0,
		api_call_count INT NOT NULL DEFAULT 0,
		date_range_from DATETIME(6) NULL,
		date_range_to DATETIME(6) NULL,
		error_message TEXT NULL,
		metadata TEXT NULL,
		PRIMARY KEY (sync_id),
		KEY idx_extract_runs_entity (entity_type, status, started_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS transform_runs (
		sync_id VARCHAR(64) NOT NULL,
		extract_sync_id VARCHAR(64) NULL,
		entity_type VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		triggered_by VARCHAR(128) NOT NULL DEFAULT '',
		started_at DATETIME(6) NOT NULL,
		completed_at DATETIME(6) NULL,
		records_processed INT NOT NULL DEFAULT 0,
		records_created INT NOT NULL DEFAULT 0,
		records_updated INT NOT NULL DEFAULT 0,
		records_skipped INT NOT NULL DEFAULT 0,
		records_failed INT NOT NULL DEFAULT 0,
		validation_warnings INT NOT NULL DEFAULT 0,
		error_message TEXT NULL,
		PRIMARY KEY (sync_id),
		KEY idx_transform_runs_extract (extract_sync_id),
		KEY idx_transform_runs_entity (entity_type, status, started_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id VARCHAR(64) NOT NULL,
		b2chat_id VARCHAR(191) NOT NULL,
		full_name VARCHAR(255) NOT NULL DEFAULT '',
		mobile VARCHAR(64) NULL,
		email VARCHAR(255) NULL,
		identification VARCHAR(64) NULL,
		address VARCHAR(255) NULL,
		city VARCHAR(128) NULL,
		country VARCHAR(128) NULL,
		company VARCHAR(255) NULL,
		tags TEXT NULL,
		attributes TEXT NULL,
		needs_full_sync TINYINT(1) NOT NULL DEFAULT 0,
		sync_run_id VARCHAR(64) NOT NULL DEFAULT '',
		source_created_at DATETIME(6) NULL,
		source_updated_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_contacts_b2chat_id (b2chat_id),
		KEY idx_contacts_needs_full_sync (needs_full_sync)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS agents (
		id VARCHAR(64) NOT NULL,
		username VARCHAR(191) NOT NULL,
		full_name VARCHAR(255) NULL,
		email VARCHAR(255) NULL,
		sync_run_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_agents_username (username)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS chats (
		id VARCHAR(64) NOT NULL,
		b2chat_id VARCHAR(191) NOT NULL,
		code VARCHAR(64) NULL,
		status VARCHAR(32) NOT NULL DEFAULT '',
		channel VARCHAR(32) NOT NULL DEFAULT '',
		priority VARCHAR(16) NOT NULL DEFAULT '',
		department VARCHAR(128) NULL,
		contact_id VARCHAR(64) NULL,
		agent_id VARCHAR(64) NULL,
		opened_at DATETIME(6) NOT NULL,
		picked_up_at DATETIME(6) NULL,
		first_response_at DATETIME(6) NULL,
		closed_at DATETIME(6) NULL,
		closed_by VARCHAR(191) NULL,
		message_count INT NOT NULL DEFAULT 0,
		sync_run_id VARCHAR(64) NOT NULL DEFAULT '',
		time_to_pickup BIGINT NULL,
		time_to_first_response BIGINT NULL,
		avg_response_time BIGINT NULL,
		time_to_resolution BIGINT NULL,
		business_time_to_pickup BIGINT NULL,
		business_time_to_first_response BIGINT NULL,
		business_avg_response_time BIGINT NULL,
		business_time_to_resolution BIGINT NULL,
		pickup_sla TINYINT(1) NULL,
		first_response_sla TINYINT(1) NULL,
		avg_response_sla TINYINT(1) NULL,
		resolution_sla TINYINT(1) NULL,
		overall_sla TINYINT(1) NULL,
		business_pickup_sla TINYINT(1) NULL,
		business_first_response_sla TINYINT(1) NULL,
		business_avg_response_sla TINYINT(1) NULL,
		business_resolution_sla TINYINT(1) NULL,
		business_overall_sla TINYINT(1) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_chats_b2chat_id (b2chat_id),
		KEY idx_chats_contact (contact_id),
		KEY idx_chats_agent (agent_id),
		KEY idx_chats_opened_at (opened_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id VARCHAR(64) NOT NULL,
		chat_id VARCHAR(64) NOT NULL,
		direction VARCHAR(16) NOT NULL,
		type VARCHAR(32) NOT NULL DEFAULT 'text',
		text TEXT NULL,
		sender VARCHAR(191) NULL,
		ordinal INT NOT NULL DEFAULT 0,
		sent_at DATETIME(6) NULL,
		PRIMARY KEY (id),
		KEY idx_chat_messages_chat (chat_id, ordinal)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
