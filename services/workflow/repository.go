package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles workflow, execution and credential persistence in
// PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id          TEXT PRIMARY KEY,
		seq         BIGSERIAL,
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		type        TEXT NOT NULL,
		position    JSONB NOT NULL DEFAULT '{}',
		data        JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id             TEXT PRIMARY KEY,
		workflow_id    TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		source_node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		target_node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id           TEXT PRIMARY KEY,
		workflow_id  TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		status       TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS executions_workflow_idx ON executions (workflow_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		id      TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type    TEXT NOT NULL,
		name    TEXT NOT NULL DEFAULT '',
		value   TEXT NOT NULL DEFAULT '',
		data    JSONB NOT NULL DEFAULT '{}'
	)`,
}

// InitSchema creates the tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Create inserts a workflow with its nodes and connections in one
// transaction. Node creation order follows wf.Nodes.
func (r *Repository) Create(ctx context.Context, wf *Workflow) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO workflows (id, user_id, name) VALUES ($1, $2, $3)
	`, wf.ID, wf.UserID, wf.Name); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, n := range wf.Nodes {
		position, err := json.Marshal(n.Position)
		if err != nil {
			return fmt.Errorf("marshal position of node %s: %w", n.ID, err)
		}
		data, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("marshal data of node %s: %w", n.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO nodes (id, workflow_id, type, position, data) VALUES ($1, $2, $3, $4, $5)
		`, n.ID, wf.ID, string(n.Type), position, data); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}

	for _, c := range wf.Connections {
		if _, err := tx.Exec(ctx, `
			INSERT INTO connections (id, workflow_id, source_node_id, target_node_id) VALUES ($1, $2, $3, $4)
		`, c.ID, wf.ID, c.SourceNodeID, c.TargetNodeID); err != nil {
			return fmt.Errorf("insert connection %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get retrieves a workflow with its nodes and connections. Returns nil, nil if
// not found.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.UserID, &wf.Name, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, type, position, data, created_at
		FROM nodes WHERE workflow_id = $1
		ORDER BY created_at, seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	defer rows.Close()

	wf.Nodes = []Node{}
	for rows.Next() {
		var n Node
		var typ string
		var position, data []byte
		if err := rows.Scan(&n.ID, &typ, &position, &data, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.WorkflowID = id
		n.Type = NodeType(typ)
		if err := json.Unmarshal(position, &n.Position); err != nil {
			return nil, fmt.Errorf("unmarshal position of node %s: %w", n.ID, err)
		}
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data of node %s: %w", n.ID, err)
		}
		wf.Nodes = append(wf.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}

	connRows, err := r.db.Query(ctx, `
		SELECT id, source_node_id, target_node_id
		FROM connections WHERE workflow_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get connections: %w", err)
	}
	defer connRows.Close()

	wf.Connections = []Connection{}
	for connRows.Next() {
		c := Connection{WorkflowID: id}
		if err := connRows.Scan(&c.ID, &c.SourceNodeID, &c.TargetNodeID); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		wf.Connections = append(wf.Connections, c)
	}
	if err := connRows.Err(); err != nil {
		return nil, fmt.Errorf("get connections: %w", err)
	}
	return &wf, nil
}

// Delete removes a workflow; nodes, connections and executions cascade.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// Seed inserts the sample workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	existing, err := r.Get(ctx, sampleWorkflowID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if err := r.Create(ctx, sampleWorkflow()); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// InitDB creates the schema and seeds initial data. Called on server startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

const (
	sampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"
	sampleUserID     = "demo-user"
)

// sampleWorkflow fetches a post and asks OpenAI to summarise it.
func sampleWorkflow() *Workflow {
	return &Workflow{
		ID:     sampleWorkflowID,
		UserID: sampleUserID,
		Name:   "Summarise a post",
		Nodes: []Node{
			{
				ID: "550e8400-e29b-41d4-a716-446655440001", Type: NodeManualTrigger,
				Position: Position{X: 0, Y: 200},
				Data:     map[string]any{},
			},
			{
				ID: "550e8400-e29b-41d4-a716-446655440002", Type: NodeHTTPRequest,
				Position: Position{X: 300, Y: 200},
				Data: map[string]any{
					"variableName": "post",
					"endpoint":     "https://jsonplaceholder.typicode.com/posts/{{postId}}",
					"method":       "GET",
				},
			},
			{
				ID: "550e8400-e29b-41d4-a716-446655440003", Type: NodeOpenAI,
				Position: Position{X: 600, Y: 200},
				Data: map[string]any{
					"variableName": "summary",
					"credentialId": "demo-openai",
					"systemPrompt": "You summarise text in one sentence.",
					"userPrompt":   "Summarise: {{post.httpResponse.data.body}}",
				},
			},
		},
		Connections: []Connection{
			{ID: "550e8400-e29b-41d4-a716-446655440011", SourceNodeID: "550e8400-e29b-41d4-a716-446655440001", TargetNodeID: "550e8400-e29b-41d4-a716-446655440002"},
			{ID: "550e8400-e29b-41d4-a716-446655440012", SourceNodeID: "550e8400-e29b-41d4-a716-446655440002", TargetNodeID: "550e8400-e29b-41d4-a716-446655440003"},
		},
	}
}
