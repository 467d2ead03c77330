package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/service/call"
)

// ConversationRepository reads conversation membership owned by the chat
// service. It is the Membership Gate for the call service.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

var _ call.MembershipGate = (*ConversationRepository)(nil)

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// Create registers a conversation. Used by seeding and integration setups.
func (r *ConversationRepository) Create(ctx context.Context, conversationID uuid.UUID, convType domain.ConversationType, createdBy uuid.UUID) error {
	query := `
		INSERT INTO conversations (conversation_id, type, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`

	_, err := r.pool.Exec(ctx, query, conversationID, string(convType), createdBy, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

// AddParticipant adds a user to conversation
func (r *ConversationRepository) AddParticipant(ctx context.Context, conversationID, userID uuid.UUID, role domain.MemberRole) error {
	query := `
		INSERT INTO conversation_participants (
			conversation_id, user_id, role, joined_at
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET role = excluded.role
	`

	_, err := r.pool.Exec(ctx, query, conversationID, userID, string(role), time.Now())
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}

	return nil
}

// GetMembership resolves the conversation type and the user's role in one query
func (r *ConversationRepository) GetMembership(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Membership, error) {
	query := `
		SELECT c.type, cp.role
		FROM conversations c
		LEFT JOIN conversation_participants cp
		       ON cp.conversation_id = c.conversation_id AND cp.user_id = $2
		WHERE c.conversation_id = $1
	`

	m := &domain.Membership{ConversationID: conversationID, UserID: userID}
	var (
		convType string
		role     *string
	)
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&convType, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, nil
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	m.Found = true
	m.ConversationType = domain.ConversationType(convType)
	if role != nil {
		m.Active = true
		m.Role = domain.MemberRole(*role)
	}
	return m, nil
}

// ListMemberIDs retrieves all participant IDs in a conversation
func (r *ConversationRepository) ListMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	return ids, nil
}
