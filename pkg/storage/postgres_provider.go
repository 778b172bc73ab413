package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/tcmartin/chatflow/pkg/engine"
)

// PostgresProvider implements the Provider interface over PostgreSQL. Flow
// versions get a row each; conversation state and broadcasts are stored as
// JSONB documents keyed by their id.
type PostgresProvider struct {
	db *sql.DB
}

// PostgresOptions configures the PostgreSQL backend.
type PostgresOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgresProvider connects to PostgreSQL and verifies the connection.
func NewPostgresProvider(opts PostgresOptions) (*PostgresProvider, error) {
	if opts.Port == 0 {
		opts.Port = 5432
	}
	if opts.SSLMode == "" {
		opts.SSLMode = "disable"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		opts.Host, opts.Port, opts.User, opts.Password, opts.Database, opts.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgresProvider{db: db}, nil
}

// Initialize creates the tables if they do not exist.
func (p *PostgresProvider) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT NOT NULL,
			version TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL,
			PRIMARY KEY (flow_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS broadcasts (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (p *PostgresProvider) Close() error { return p.db.Close() }

func (p *PostgresProvider) FlowStore() FlowStore { return &postgresFlowStore{db: p.db} }

func (p *PostgresProvider) ConversationStore() ConversationStore {
	return &postgresConversationStore{db: p.db}
}

func (p *PostgresProvider) BroadcastStore() BroadcastStore { return &postgresBroadcastStore{db: p.db} }

type postgresFlowStore struct {
	db *sql.DB
}

func (s *postgresFlowStore) SaveFlow(ctx context.Context, record FlowRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (flow_id, version, name, description, source, published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (flow_id, version) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			source = EXCLUDED.source,
			published = EXCLUDED.published,
			updated_at = EXCLUDED.updated_at`,
		record.FlowID, record.Version, record.Name, record.Description,
		record.Source, record.Published, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

func (s *postgresFlowStore) GetFlow(ctx context.Context, flowID, version string) (FlowRecord, error) {
	var row *sql.Row
	if version != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT flow_id, version, name, description, source, published, created_at, updated_at
			FROM flows WHERE flow_id = $1 AND version = $2`, flowID, version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT flow_id, version, name, description, source, published, created_at, updated_at
			FROM flows WHERE flow_id = $1 AND published ORDER BY seq DESC LIMIT 1`, flowID)
	}
	return scanFlowRecord(row)
}

func (s *postgresFlowStore) ListFlows(ctx context.Context) ([]FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (flow_id)
			flow_id, version, name, description, source, published, created_at, updated_at
		FROM flows ORDER BY flow_id, seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()
	return collectFlowRecords(rows)
}

func (s *postgresFlowStore) ListVersions(ctx context.Context, flowID string) ([]FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, version, name, description, source, published, created_at, updated_at
		FROM flows WHERE flow_id = $1 ORDER BY seq ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	records, err := collectFlowRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrFlowNotFound
	}
	return records, nil
}

func (s *postgresFlowStore) DeleteFlow(ctx context.Context, flowID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE flow_id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func scanFlowRecord(row *sql.Row) (FlowRecord, error) {
	var record FlowRecord
	err := row.Scan(&record.FlowID, &record.Version, &record.Name, &record.Description,
		&record.Source, &record.Published, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return FlowRecord{}, ErrFlowNotFound
	}
	if err != nil {
		return FlowRecord{}, fmt.Errorf("failed to scan flow: %w", err)
	}
	return record, nil
}

func collectFlowRecords(rows *sql.Rows) ([]FlowRecord, error) {
	var out []FlowRecord
	for rows.Next() {
		var record FlowRecord
		if err := rows.Scan(&record.FlowID, &record.Version, &record.Name, &record.Description,
			&record.Source, &record.Published, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type postgresConversationStore struct {
	db *sql.DB
}

func (s *postgresConversationStore) GetConversation(ctx context.Context, sessionID string) (*engine.ConversationState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversations WHERE session_id = $1`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, engine.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var state engine.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if state.Variables == nil {
		state.Variables = engine.Variables{}
	}
	if state.InputRetries == nil {
		state.InputRetries = map[string]int{}
	}
	return &state, nil
}

func (s *postgresConversationStore) SaveConversation(ctx context.Context, state *engine.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (session_id, state, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		state.SessionID, data)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *postgresConversationStore) ListConversations(ctx context.Context) ([]*engine.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*engine.ConversationState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var state engine.ConversationState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		out = append(out, &state)
	}
	return out, rows.Err()
}

func (s *postgresConversationStore) DeleteConversation(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = $1`, sessionID)
	return err
}

type postgresBroadcastStore struct {
	db *sql.DB
}

func (s *postgresBroadcastStore) SaveBroadcast(ctx context.Context, broadcast Broadcast) error {
	data, err := json.Marshal(broadcast)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		broadcast.ID, data)
	if err != nil {
		return fmt.Errorf("failed to save broadcast: %w", err)
	}
	return nil
}

func (s *postgresBroadcastStore) GetBroadcast(ctx context.Context, id string) (Broadcast, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM broadcasts WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return Broadcast{}, ErrBroadcastNotFound
	}
	if err != nil {
		return Broadcast{}, fmt.Errorf("failed to get broadcast: %w", err)
	}
	var broadcast Broadcast
	if err := json.Unmarshal(data, &broadcast); err != nil {
		return Broadcast{}, fmt.Errorf("failed to unmarshal broadcast: %w", err)
	}
	return broadcast, nil
}

func (s *postgresBroadcastStore) ListBroadcasts(ctx context.Context) ([]Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM broadcasts ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	defer rows.Close()

	var out []Broadcast
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var broadcast Broadcast
		if err := json.Unmarshal(data, &broadcast); err != nil {
			return nil, fmt.Errorf("failed to unmarshal broadcast: %w", err)
		}
		out = append(out, broadcast)
	}
	return out, rows.Err()
}

func (s *postgresBroadcastStore) DeleteBroadcast(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete broadcast: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBroadcastNotFound
	}
	return nil
}
