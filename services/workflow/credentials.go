package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCredential returns the credential id owned by userID, or nil, nil when no
// such credential exists for that user.
func (r *Repository) GetCredential(ctx context.Context, id, userID string) (*Credential, error) {
	var c Credential
	var typ string
	var data []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, type, name, value, data
		FROM credentials WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&c.ID, &c.UserID, &typ, &c.Name, &c.Value, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.Type = NodeType(typ)
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return nil, fmt.Errorf("unmarshal credential data: %w", err)
	}
	return &c, nil
}

// SaveCredential inserts or replaces a credential.
func (r *Repository) SaveCredential(ctx context.Context, c *Credential) error {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return fmt.Errorf("marshal credential data: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO credentials (id, user_id, type, name, value, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id, type = EXCLUDED.type, name = EXCLUDED.name,
			value = EXCLUDED.value, data = EXCLUDED.data
	`, c.ID, c.UserID, string(c.Type), c.Name, c.Value, data)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}
