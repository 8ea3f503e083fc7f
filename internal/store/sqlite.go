package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// appendMu serializes message appends so sequence numbers and
	// timestamps stay monotonic per conversation.
	appendMu sync.Mutex
	now      func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(conversation_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS agent_status (
		conversation_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		agent_name TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trainer_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		rule_key TEXT NOT NULL,
		user_message TEXT NOT NULL,
		bot_response TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trainer_rule ON trainer_log(rule_key, created_at);

	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		items_json TEXT NOT NULL,
		total_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		placed_at INTEGER NOT NULL,
		eta INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, placed_at);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// AppendMessage writes a message and returns it with its assigned identity.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, in domain.NewMessage) (domain.Message, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Text:           in.Text,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Kind:           in.Kind,
	}

	err := withRetry(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var lastSeq, lastTS int64
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?`,
			conversationID)
		if err := row.Scan(&lastSeq, &lastTS); err != nil {
			return fmt.Errorf("scan last sequence: %w", err)
		}

		ts := s.now().UnixNano()
		if ts < lastTS {
			// Clock went backwards; keep the log monotonic.
			ts = lastTS
		}
		msg.Seq = lastSeq + 1
		msg.Timestamp = time.Unix(0, ts)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, text, sender_id, sender_name, kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, conversationID, msg.Seq, msg.Text, msg.SenderID, msg.SenderName, string(msg.Kind), ts,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// RecentMessages returns the newest messages of a conversation, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `
		SELECT id, conversation_id, seq, text, sender_id, sender_name, kind, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m    domain.Message
			kind string
			ts   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Text, &m.SenderID, &m.SenderName, &kind, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Kind = domain.MessageKind(kind)
		m.Timestamp = time.Unix(0, ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// GetAgentStatus returns the stored status, defaulting to AgentNone.
func (s *SQLiteStore) GetAgentStatus(ctx context.Context, conversationID string) (domain.AgentStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, agent_name, updated_at FROM agent_status WHERE conversation_id = ?`, conversationID)

	var (
		state     string
		agentName sql.NullString
		updatedAt int64
	)
	err := row.Scan(&state, &agentName, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentStatus{State: domain.AgentNone}, nil
	}
	if err != nil {
		return domain.AgentStatus{}, fmt.Errorf("scan agent status: %w", err)
	}

	parsed, err := domain.ParseAgentState(state)
	if err != nil {
		return domain.AgentStatus{}, fmt.Errorf("agent status for %s: %w", conversationID, err)
	}
	return domain.AgentStatus{
		State:     parsed,
		AgentName: agentName.String,
		UpdatedAt: time.Unix(0, updatedAt),
	}, nil
}

// SetAgentStatus upserts the agent status of a conversation.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, conversationID string, status domain.AgentStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now()
	}
	var agentName interface{}
	if status.AgentName != "" {
		agentName = status.AgentName
	}
	return withRetry(ctx, "set agent status", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_status (conversation_id, state, agent_name, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				state = excluded.state,
				agent_name = excluded.agent_name,
				updated_at = excluded.updated_at`,
			conversationID, string(status.State), agentName, status.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert agent status: %w", err)
		}
		return nil
	})
}

// AppendTrainerRecord stores one trainer record.
func (s *SQLiteStore) AppendTrainerRecord(ctx context.Context, conversationID, ruleKey string, rec domain.TrainerRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	return withRetry(ctx, "append trainer record", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trainer_log (conversation_id, rule_key, user_message, bot_response, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID, ruleKey, rec.UserMessage, rec.BotResponse, rec.Timestamp.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert trainer record: %w", err)
		}
		return nil
	})
}

// TrainerRecords returns the records stored under ruleKey, oldest first.
func (s *SQLiteStore) TrainerRecords(ctx context.Context, ruleKey string) ([]domain.TrainerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_message, bot_response, created_at FROM trainer_log
		WHERE rule_key = ? ORDER BY created_at ASC, id ASC`, ruleKey)
	if err != nil {
		return nil, fmt.Errorf("query trainer log: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close trainer rows", "error", closeErr)
		}
	}()

	var out []domain.TrainerRecord
	for rows.Next() {
		var (
			rec domain.TrainerRecord
			ts  int64
		)
		if err := rows.Scan(&rec.UserMessage, &rec.BotResponse, &ts); err != nil {
			return nil, fmt.Errorf("scan trainer row: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trainer log: %w", err)
	}
	return out, nil
}

// CleanupTrainerLog removes trainer records older than ttl.
func (s *SQLiteStore) CleanupTrainerLog(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := s.now().Add(-ttl).UnixNano()
	result, err := s.db.ExecContext(ctx, `DELETE FROM trainer_log WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup trainer log: %w", err)
	}
	return result.RowsAffected()
}

// FindOrdersByUser returns the user's orders, newest first.
func (s *SQLiteStore) FindOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, user_id, status, items_json, total_cents, currency, placed_at, eta
		FROM orders WHERE user_id = ? ORDER BY placed_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close order rows", "error", closeErr)
		}
	}()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// FindOrder returns the order if it exists and belongs to userID.
func (s *SQLiteStore) FindOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, status, items_json, total_cents, currency, placed_at, eta
		FROM orders WHERE order_id = ? AND user_id = ?`, orderID, userID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order     domain.Order
		itemsJSON string
		placedAt  int64
		eta       sql.NullInt64
	)
	if err := row.Scan(&order.ID, &order.UserID, &order.Status, &itemsJSON,
		&order.TotalCents, &order.Currency, &placedAt, &eta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order row: %w", err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &order.Items); err != nil {
		return nil, fmt.Errorf("decode order items %s: %w", order.ID, err)
	}
	order.PlacedAt = time.Unix(placedAt, 0)
	if eta.Valid {
		t := time.Unix(eta.Int64, 0)
		order.ETA = &t
	}
	return &order, nil
}

// UpsertOrder creates or replaces an order.
func (s *SQLiteStore) UpsertOrder(ctx context.Context, order *domain.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	var eta interface{}
	if order.ETA != nil {
		eta = order.ETA.Unix()
	}
	return withRetry(ctx, "upsert order", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO orders (order_id, user_id, status, items_json, total_cents, currency, placed_at, eta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET
				user_id = excluded.user_id,
				status = excluded.status,
				items_json = excluded.items_json,
				total_cents = excluded.total_cents,
				currency = excluded.currency,
				placed_at = excluded.placed_at,
				eta = excluded.eta`,
			order.ID, order.UserID, order.Status, string(items),
			order.TotalCents, order.Currency, order.PlacedAt.Unix(), eta,
		)
		if err != nil {
			return fmt.Errorf("upsert order: %w", err)
		}
		return nil
	})
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, created_at, last_seen_at FROM users WHERE user_id = ?`, userID)

	var (
		user                domain.User
		createdAt, lastSeen int64
	)
	err := row.Scan(&user.UserID, &user.DisplayName, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.LastSeenAt = time.Unix(lastSeen, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen_at = excluded.last_seen_at`,
		user.UserID, user.DisplayName, user.CreatedAt.Unix(), user.LastSeenAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at = ? WHERE user_id = ?`, lastSeen.Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
