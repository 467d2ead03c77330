package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// conversations and conversation_participants belong to the chat service. They
// are declared here with IF NOT EXISTS so a standalone call service can boot
// against an empty cluster.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id UUID PRIMARY KEY,
		title STRING,
		type STRING NOT NULL,
		created_by UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id UUID NOT NULL REFERENCES conversations (conversation_id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		role STRING NOT NULL DEFAULT 'member',
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL,
		initiator_id UUID NOT NULL,
		call_type STRING NOT NULL CHECK (call_type IN ('audio', 'video')),
		status STRING NOT NULL CHECK (status IN ('pending', 'active', 'ended', 'rejected', 'missed')),
		end_reason STRING,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		duration INT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS calls_one_open_per_conversation
		ON calls (conversation_id) WHERE status IN ('pending', 'active')`,
	`CREATE INDEX IF NOT EXISTS calls_pending_created_at
		ON calls (created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS call_participants (
		call_id UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		seq INT NOT NULL,
		status STRING NOT NULL CHECK (status IN ('joined', 'left')),
		joined_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		is_muted BOOL NOT NULL DEFAULT false,
		is_video_on BOOL NOT NULL DEFAULT false,
		PRIMARY KEY (call_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS call_participants_user ON call_participants (user_id)`,
}

// Migrate creates the call tables and indexes. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
