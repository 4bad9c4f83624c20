package repository

import (
	"context"
	"database/sql"
	"fmt"

	"sync_core/internal/domain"
)

type ChatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) EnsurePeer(ctx context.Context, peerID, name string) error {
	if name == "" {
		name = "peer_" + peerID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO peers (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
	`, peerID, name)
	if err != nil {
		return fmt.Errorf("failed to ensure peer: %w", err)
	}
	return nil
}

func (r *ChatRepository) ListPeers(ctx context.Context) ([]domain.Peer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, display_name FROM peers ORDER BY display_name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch peers: %w", err)
	}
	defer rows.Close()

	var peers []domain.Peer
	for rows.Next() {
		var p domain.Peer
		if err := rows.Scan(&p.ID, &p.DisplayName); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (r *ChatRepository) SaveMessage(ctx context.Context, msg *domain.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ChannelID, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListChannelMessages returns the channel's last N messages in
// chronological order.
func (r *ChatRepository) ListChannelMessages(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, sender_id, content, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// fetched newest-first, reverse to chronological
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListChannelsFor returns the channels a peer belongs to: the shared group
// channel plus every direct channel the peer is a party of.
func (r *ChatRepository) ListChannelsFor(ctx context.Context, peerID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT channel_id FROM messages
		WHERE channel_id LIKE 'direct:' || $1 || ':%'
		   OR channel_id LIKE 'direct:%:' || $1
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channels: %w", err)
	}
	defer rows.Close()

	channels := []string{domain.GroupChannelID}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		channels = append(channels, id)
	}
	return channels, rows.Err()
}
