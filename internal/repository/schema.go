package repository

// Schema creates the relay tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL CHECK (type IN ('DM', 'GROUP')),
	post_id         BIGINT NOT NULL DEFAULT 0,
	participants    JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_message_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS room_sequences (
	room_id    TEXT PRIMARY KEY,
	last_seq   BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL DEFAULT '',
	room_id    TEXT NOT NULL,
	sender_id  BIGINT NOT NULL,
	seq        BIGINT NOT NULL,
	content    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (room_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages (room_id, seq DESC);
`

// DropSchema removes the relay tables.
const DropSchema = `
DROP TABLE IF EXISTS messages;
DROP TABLE IF EXISTS room_sequences;
DROP TABLE IF EXISTS rooms;
`

// Tables lists the relay tables in truncation order.
var Tables = []string{"messages", "room_sequences", "rooms"}
