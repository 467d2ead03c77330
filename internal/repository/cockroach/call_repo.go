package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/service/call"
)

const (
	// serialization_failure; CockroachDB asks clients to retry the transaction
	sqlStateSerializationFailure = "40001"
	maxTxRetries                 = 5
)

const callColumns = `call_id, conversation_id, initiator_id, call_type, status, end_reason,
		created_at, started_at, ended_at, duration`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CallRepository is the CockroachDB Call Store
type CallRepository struct {
	pool *pgxpool.Pool
}

var _ call.Store = (*CallRepository)(nil)

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts the call unless the conversation already has an open one.
// The partial unique index calls_one_open_per_conversation arbitrates races.
func (r *CallRepository) Create(ctx context.Context, c *domain.Call) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := claimConversation(ctx, tx, c); err != nil {
			return err
		}
		return writeParticipants(ctx, tx, c)
	})
}

// execQuerier is the part of pgx.Tx claimConversation needs
type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// claimInsertAttempts bounds retries when the conflicting call finishes
// between the insert and the lookup
const claimInsertAttempts = 2

// claimConversation inserts the call row. When the insert loses to an open
// call it returns *domain.OpenCallExistsError naming that call.
func claimConversation(ctx context.Context, q execQuerier, c *domain.Call) error {
	for attempt := 1; ; attempt++ {
		tag, err := q.Exec(ctx, `
			INSERT INTO calls (`+callColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT DO NOTHING
		`,
			c.CallID,
			c.ConversationID,
			c.InitiatorID,
			string(c.CallType),
			string(c.Status),
			endReasonValue(c.EndReason),
			c.CreatedAt,
			c.StartedAt,
			c.EndedAt,
			c.Duration,
		)
		if err != nil {
			return fmt.Errorf("failed to create call: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		var existing uuid.UUID
		err = q.QueryRow(ctx, `
			SELECT call_id FROM calls
			WHERE conversation_id = $1 AND status IN ('pending', 'active')
		`, c.ConversationID).Scan(&existing)
		switch {
		case err == nil:
			return &domain.OpenCallExistsError{ConversationID: c.ConversationID, ExistingCallID: existing}
		case errors.Is(err, pgx.ErrNoRows) && attempt < claimInsertAttempts:
			// the open call ended after our insert; the slot is free again
			continue
		default:
			return fmt.Errorf("failed to resolve conflicting call: %w", err)
		}
	}
}

// Get retrieves a call with its participants
func (r *CallRepository) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	c, err := getCall(ctx, r.pool, callID, false)
	if err != nil {
		return nil, err
	}
	if err := loadParticipants(ctx, r.pool, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Update locks the call row, applies fn and persists the result in one
// transaction. When fn fails the stored call is returned with the error.
func (r *CallRepository) Update(ctx context.Context, callID uuid.UUID, fn call.MutateFunc) (*domain.Call, error) {
	var (
		result *domain.Call
		fnErr  error
	)

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		fnErr = nil

		stored, err := getCall(ctx, tx, callID, true)
		if err != nil {
			return err
		}
		if err := loadParticipants(ctx, tx, stored); err != nil {
			return err
		}

		work := stored.Clone()
		changed, err := fn(work)
		if err != nil {
			fnErr = err
			result = stored
			return nil
		}
		if !changed {
			result = work
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE calls
			SET status = $2, end_reason = $3, started_at = $4, ended_at = $5, duration = $6
			WHERE call_id = $1
		`,
			work.CallID,
			string(work.Status),
			endReasonValue(work.EndReason),
			work.StartedAt,
			work.EndedAt,
			work.Duration,
		)
		if err != nil {
			return fmt.Errorf("failed to update call: %w", err)
		}
		if err := writeParticipants(ctx, tx, work); err != nil {
			return err
		}

		result = work
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, fnErr
}

// GetOpenByConversation returns the pending or active call, or nil
func (r *CallRepository) GetOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM calls
		WHERE conversation_id = $1 AND status IN ('pending', 'active')
	`, conversationID)

	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open call: %w", err)
	}
	if err := loadParticipants(ctx, r.pool, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListPendingCreatedBefore returns ids of ringing calls created before cutoff
func (r *CallRepository) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT call_id FROM calls
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending calls: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending calls: %w", err)
	}
	return ids, nil
}

// ListByUser retrieves calls the user took part in, newest first
func (r *CallRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.call_id, c.conversation_id, c.initiator_id, c.call_type, c.status, c.end_reason,
		       c.created_at, c.started_at, c.ended_at, c.duration
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*domain.Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	rows.Close()

	for _, c := range calls {
		if err := loadParticipants(ctx, r.pool, c); err != nil {
			return nil, err
		}
	}
	return calls, nil
}

// inTx runs fn in a transaction, retrying serialization failures
func (r *CallRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	backoff := 10 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := pgx.BeginFunc(ctx, r.pool, fn)
		if err == nil || attempt >= maxTxRetries || !isRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateSerializationFailure
}

func getCall(ctx context.Context, q querier, callID uuid.UUID, forUpdate bool) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c, err := scanCall(q.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return c, nil
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	var (
		c                domain.Call
		callType, status string
		endReason        *string
	)
	err := row.Scan(
		&c.CallID,
		&c.ConversationID,
		&c.InitiatorID,
		&callType,
		&status,
		&endReason,
		&c.CreatedAt,
		&c.StartedAt,
		&c.EndedAt,
		&c.Duration,
	)
	if err != nil {
		return nil, err
	}

	c.CallType = domain.CallType(callType)
	c.Status = domain.CallStatus(status)
	if endReason != nil {
		reason := domain.EndReason(*endReason)
		c.EndReason = &reason
	}
	return &c, nil
}

func loadParticipants(ctx context.Context, q querier, c *domain.Call) error {
	rows, err := q.Query(ctx, `
		SELECT user_id, status, joined_at, left_at, is_muted, is_video_on
		FROM call_participants
		WHERE call_id = $1
		ORDER BY seq
	`, c.CallID)
	if err != nil {
		return fmt.Errorf("failed to get call participants: %w", err)
	}
	defer rows.Close()

	c.Participants = make([]*domain.CallParticipant, 0)
	for rows.Next() {
		p := &domain.CallParticipant{CallID: c.CallID}
		var status string
		if err := rows.Scan(&p.UserID, &status, &p.JoinedAt, &p.LeftAt, &p.IsMuted, &p.IsVideoOn); err != nil {
			return fmt.Errorf("failed to scan call participant: %w", err)
		}
		p.Status = domain.ParticipantStatus(status)
		c.Participants = append(c.Participants, p)
	}
	return rows.Err()
}

// writeParticipants upserts every participant. Records are never removed, so
// the slice position is a stable ordering key.
func writeParticipants(ctx context.Context, tx pgx.Tx, c *domain.Call) error {
	batch := &pgx.Batch{}
	for seq, p := range c.Participants {
		batch.Queue(`
			INSERT INTO call_participants (call_id, user_id, seq, status, joined_at, left_at, is_muted, is_video_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (call_id, user_id) DO UPDATE
			SET status = excluded.status,
			    joined_at = excluded.joined_at,
			    left_at = excluded.left_at,
			    is_muted = excluded.is_muted,
			    is_video_on = excluded.is_video_on
		`, c.CallID, p.UserID, seq, string(p.Status), p.JoinedAt, p.LeftAt, p.IsMuted, p.IsVideoOn)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write call participants: %w", err)
	}
	return nil
}

func endReasonValue(r *domain.EndReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}
