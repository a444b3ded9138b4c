// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Versions must be
// sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatches (
	tracking_id         TEXT PRIMARY KEY,
	template_key        TEXT NOT NULL,
	template_version    TEXT NOT NULL DEFAULT '',
	account_id          TEXT NOT NULL,
	account_name        TEXT NOT NULL DEFAULT '',
	envelope            TEXT NOT NULL DEFAULT '{}',
	provider_message_id TEXT NOT NULL DEFAULT '',
	provider_thread_id  TEXT NOT NULL DEFAULT '',
	sent_at             INTEGER NOT NULL,
	logged_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS return_threads (
	tracking_key          TEXT PRIMARY KEY,
	has_valid_tracking_id INTEGER NOT NULL DEFAULT 0,
	sla_status            TEXT NOT NULL DEFAULT 'OnTrack',
	sla_status_changed_at INTEGER NOT NULL,
	last_follow_up_at     INTEGER,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS return_messages (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	tracking_key          TEXT NOT NULL REFERENCES return_threads(tracking_key) ON DELETE CASCADE,
	message_key           TEXT NOT NULL,
	provider_message_id   TEXT NOT NULL,
	has_valid_tracking_id INTEGER NOT NULL DEFAULT 0,
	account_id            TEXT NOT NULL,
	provider_type         TEXT NOT NULL DEFAULT '',
	sender_email          TEXT NOT NULL DEFAULT '',
	sender_name           TEXT NOT NULL DEFAULT '',
	subject               TEXT NOT NULL DEFAULT '',
	body_preview          TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	classification        TEXT NOT NULL DEFAULT '{}',
	received_at           INTEGER NOT NULL,
	conversation_id       TEXT NOT NULL DEFAULT '',
	metadata              TEXT NOT NULL DEFAULT '{}',
	UNIQUE(tracking_key, message_key)
);

CREATE INDEX IF NOT EXISTS idx_dispatches_sent ON dispatches(sent_at);
CREATE INDEX IF NOT EXISTS idx_return_threads_updated ON return_threads(updated_at);
CREATE INDEX IF NOT EXISTS idx_return_messages_thread ON return_messages(tracking_key, received_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL DEFAULT '',
	provider_name TEXT NOT NULL DEFAULT '',
	provider_type TEXT NOT NULL,
	settings      TEXT NOT NULL DEFAULT '{}',
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	account_id        TEXT PRIMARY KEY,
	subscription_id   TEXT NOT NULL UNIQUE,
	mailbox           TEXT NOT NULL,
	client_state      TEXT NOT NULL,
	expires_at        INTEGER NOT NULL,
	last_notification INTEGER,
	status            TEXT NOT NULL DEFAULT 'active',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
`,
	},
}
