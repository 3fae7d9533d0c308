package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deskbot/internal/domain"
	logx "deskbot/pkg/logx"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (and migrates) a SQLite database at cfg.Path.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) { return openSQLite(cfg, log) }

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also serializes our small transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func ts(t time.Time) int64 { return t.UnixNano() }

func fromTS(n int64) time.Time { return time.Unix(0, n) }

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- end users ----

const endUserCols = `id, channel_id, display_name, handle, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanEndUser(r rowScanner) (*domain.EndUser, error) {
	var u domain.EndUser
	var created, updated int64
	if err := r.Scan(&u.ID, &u.ChannelID, &u.DisplayName, &u.Handle, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt, u.UpdatedAt = fromTS(created), fromTS(updated)
	return &u, nil
}

func (s *sqliteStore) CreateEndUser(ctx context.Context, u *domain.EndUser) error {
	if u.ID == "" {
		u.ID = domain.NewID()
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO end_users(`+endUserCols+`) VALUES(?,?,?,?,?,?)`,
		u.ID, u.ChannelID, u.DisplayName, u.Handle, ts(u.CreatedAt), ts(u.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *sqliteStore) GetEndUser(ctx context.Context, id string) (*domain.EndUser, error) {
	return scanEndUser(s.db.QueryRowContext(ctx, `SELECT `+endUserCols+` FROM end_users WHERE id = ?`, id))
}

func (s *sqliteStore) GetEndUserByChannelID(ctx context.Context, channelID string) (*domain.EndUser, error) {
	return scanEndUser(s.db.QueryRowContext(ctx, `SELECT `+endUserCols+` FROM end_users WHERE channel_id = ?`, channelID))
}

func (s *sqliteStore) UpdateEndUser(ctx context.Context, u *domain.EndUser) error {
	u.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE end_users SET display_name = ?, handle = ?, updated_at = ? WHERE id = ?`,
		u.DisplayName, u.Handle, ts(u.UpdatedAt), u.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) ListContactedEndUsers(ctx context.Context) ([]domain.EndUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endUserCols+` FROM end_users u
		 WHERE EXISTS (SELECT 1 FROM conversations c WHERE c.end_user_id = u.id)
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EndUser
	for rows.Next() {
		u, err := scanEndUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- agents ----

func (s *sqliteStore) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(id, name, role, online, chat_id, created_at, updated_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role,
		   online = excluded.online, chat_id = excluded.chat_id, updated_at = excluded.updated_at`,
		a.ID, a.Name, string(a.Role), a.Online, a.ChatID, ts(a.CreatedAt), ts(a.UpdatedAt))
	return err
}

const agentCols = `id, name, role, online, chat_id, created_at, updated_at`

func scanAgent(r rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var role string
	var created, updated int64
	if err := r.Scan(&a.ID, &a.Name, &role, &a.Online, &a.ChatID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Role = domain.Role(role)
	a.CreatedAt, a.UpdatedAt = fromTS(created), fromTS(updated)
	return &a, nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id))
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET online = ?, updated_at = ? WHERE id = ?`, online, ts(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) ActiveConversationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, COUNT(*) FROM conversations WHERE status = ? AND agent_id <> '' GROUP BY agent_id`,
		string(domain.ConversationActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ---- conversations ----

const convCols = `id, end_user_id, agent_id, status, created_at, updated_at, ended_at, ended_by`

func scanConversation(r rowScanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var status string
	var created, updated int64
	var ended sql.NullInt64
	if err := r.Scan(&c.ID, &c.EndUserID, &c.AgentID, &status, &created, &updated, &ended, &c.EndedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = domain.ConversationStatus(status)
	c.CreatedAt, c.UpdatedAt = fromTS(created), fromTS(updated)
	c.EndedAt = fromNullTS(ended)
	return &c, nil
}

func (s *sqliteStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	if c.ID == "" {
		c.ID = domain.NewID()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(`+convCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		c.ID, c.EndUserID, c.AgentID, string(c.Status), ts(c.CreatedAt), ts(c.UpdatedAt), nullTS(c.EndedAt), c.EndedBy)
	if isUniqueViolation(err) {
		return ErrActiveConversationExists
	}
	return err
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `SELECT `+convCols+` FROM conversations WHERE id = ?`, id))
}

func (s *sqliteStore) ActiveConversationForEndUser(ctx context.Context, endUserID string) (*domain.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convCols+` FROM conversations WHERE end_user_id = ? AND status = ?`,
		endUserID, string(domain.ConversationActive)))
}

func (s *sqliteStore) ListActiveConversations(ctx context.Context, agentID string) ([]domain.Conversation, error) {
	q := `SELECT ` + convCols + ` FROM conversations WHERE status = ?`
	args := []any{string(domain.ConversationActive)}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EndConversation(ctx context.Context, id, endedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, ended_at = ?, ended_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.ConversationEnded), ts(at), endedBy, ts(at), id, string(domain.ConversationActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	return ErrConversationNotActive
}

func (s *sqliteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = domain.NewID()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, m.ConversationID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != string(domain.ConversationActive) {
			return ErrConversationNotActive
		}

		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, m.ConversationID).Scan(&last); err != nil {
			return err
		}
		now := time.Now().UnixNano()
		if last.Valid && now <= last.Int64 {
			now = last.Int64 + 1
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages(id, conversation_id, sender, sender_id, kind, body, attachment_ref, attachment_url, read, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			m.ID, m.ConversationID, string(m.Sender), m.SenderID, string(m.Payload.Kind), m.Payload.Body,
			m.Payload.AttachmentRef, m.Payload.AttachmentURL, m.Read, now)
		if err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY") {
				return ErrNotFound
			}
			return err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		m.Seq = seq
		m.CreatedAt = fromTS(now)
		return nil
	})
}

func (s *sqliteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, conversation_id, sender, sender_id, kind, body, attachment_ref, attachment_url, read, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var sender, kind string
		var created int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &sender, &m.SenderID, &kind, &m.Payload.Body,
			&m.Payload.AttachmentRef, &m.Payload.AttachmentURL, &m.Read, &created); err != nil {
			return nil, err
		}
		m.Sender = domain.Sender(sender)
		m.Payload.Kind = domain.Kind(kind)
		m.CreatedAt = fromTS(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkMessagesRead(ctx context.Context, conversationID string, sender domain.Sender) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE conversation_id = ? AND sender = ? AND read = 0`,
		conversationID, string(sender))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- pending ----

func (s *sqliteStore) EnqueuePending(ctx context.Context, it *domain.PendingItem) error {
	if it.ID == "" {
		it.ID = domain.NewID()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_items(id, end_user_id, kind, body, attachment_ref, attachment_url, raw_event, external_event_id, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		it.ID, it.EndUserID, string(it.Payload.Kind), it.Payload.Body, it.Payload.AttachmentRef,
		it.Payload.AttachmentURL, it.RawEvent, it.ExternalEventID, ts(it.CreatedAt))
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	it.Seq = seq
	return nil
}

func (s *sqliteStore) queryPending(ctx context.Context, where string, args ...any) ([]domain.PendingItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, end_user_id, kind, body, attachment_ref, attachment_url, raw_event, external_event_id, created_at
		 FROM pending_items `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PendingItem
	for rows.Next() {
		var it domain.PendingItem
		var kind string
		var created int64
		if err := rows.Scan(&it.Seq, &it.ID, &it.EndUserID, &kind, &it.Payload.Body, &it.Payload.AttachmentRef,
			&it.Payload.AttachmentURL, &it.RawEvent, &it.ExternalEventID, &created); err != nil {
			return nil, err
		}
		it.Payload.Kind = domain.Kind(kind)
		it.CreatedAt = fromTS(created)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListPending(ctx context.Context, limit int) ([]domain.PendingItem, error) {
	if limit > 0 {
		return s.queryPending(ctx, `ORDER BY seq LIMIT ?`, limit)
	}
	return s.queryPending(ctx, `ORDER BY seq`)
}

func (s *sqliteStore) ListPendingForEndUser(ctx context.Context, endUserID string) ([]domain.PendingItem, error) {
	return s.queryPending(ctx, `WHERE end_user_id = ? ORDER BY seq`, endUserID)
}

func (s *sqliteStore) HasPending(ctx context.Context, endUserID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pending_items WHERE end_user_id = ? LIMIT 1`, endUserID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) DeletePending(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_items WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_items`).Scan(&n)
	return n, err
}

// ---- broadcasts ----

func (s *sqliteStore) CreateBroadcast(ctx context.Context, b *domain.Broadcast, recipients []domain.BroadcastRecipient) error {
	if b.ID == "" {
		b.ID = domain.NewID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.Status == "" {
		b.Status = domain.BroadcastPending
	}
	b.TargetCount = len(recipients)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO broadcasts(id, kind, body, attachment_ref, author_id, status, target_count, sent_count, failed_count, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			b.ID, string(b.Payload.Kind), b.Payload.Body, b.Payload.AttachmentRef, b.AuthorID, string(b.Status),
			b.TargetCount, 0, 0, ts(b.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO broadcast_recipients(id, broadcast_id, end_user_id, channel_id, status, attempts) VALUES(?,?,?,?,?,0)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range recipients {
			r := &recipients[i]
			if r.ID == "" {
				r.ID = domain.NewID()
			}
			r.BroadcastID = b.ID
			if r.Status == "" {
				r.Status = domain.RecipientPending
			}
			if _, err := stmt.ExecContext(ctx, r.ID, b.ID, r.EndUserID, r.ChannelID, string(r.Status)); err != nil {
				return err
			}
		}
		return nil
	})
}

const broadcastCols = `id, kind, body, attachment_ref, author_id, status, target_count, sent_count, failed_count, created_at, started_at, finished_at`

func scanBroadcast(r rowScanner) (*domain.Broadcast, error) {
	var b domain.Broadcast
	var kind, status string
	var created int64
	var started, finished sql.NullInt64
	if err := r.Scan(&b.ID, &kind, &b.Payload.Body, &b.Payload.AttachmentRef, &b.AuthorID, &status,
		&b.TargetCount, &b.SentCount, &b.FailedCount, &created, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Payload.Kind = domain.Kind(kind)
	b.Status = domain.BroadcastStatus(status)
	b.CreatedAt = fromTS(created)
	b.StartedAt = fromNullTS(started)
	b.FinishedAt = fromNullTS(finished)
	return &b, nil
}

func (s *sqliteStore) GetBroadcast(ctx context.Context, id string) (*domain.Broadcast, error) {
	return scanBroadcast(s.db.QueryRowContext(ctx, `SELECT `+broadcastCols+` FROM broadcasts WHERE id = ?`, id))
}

func (s *sqliteStore) ListBroadcasts(ctx context.Context, status domain.BroadcastStatus) ([]domain.Broadcast, error) {
	q := `SELECT ` + broadcastCols + ` FROM broadcasts`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AdvanceBroadcast(ctx context.Context, id string, to domain.BroadcastStatus, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM broadcasts WHERE id = ?`, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if to.Rank() <= domain.BroadcastStatus(cur).Rank() {
			return ErrStatusRegress
		}
		col := "started_at"
		if to.Terminal() {
			col = "finished_at"
		}
		_, err := tx.ExecContext(ctx, `UPDATE broadcasts SET status = ?, `+col+` = ? WHERE id = ?`, string(to), ts(at), id)
		return err
	})
}

func (s *sqliteStore) FinishBroadcast(ctx context.Context, id string, to domain.BroadcastStatus, sent, failed int, at time.Time) error {
	if !to.Terminal() {
		return ErrStatusRegress
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, sent_count = ?, failed_count = ?, finished_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(to), sent, failed, ts(at), id, string(domain.BroadcastPending), string(domain.BroadcastSending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetBroadcast(ctx, id); err != nil {
		return err
	}
	return ErrStatusRegress
}

func (s *sqliteStore) ListRecipients(ctx context.Context, broadcastID string, status domain.RecipientStatus) ([]domain.BroadcastRecipient, error) {
	q := `SELECT id, broadcast_id, end_user_id, channel_id, status, attempts, last_error, sent_at
	      FROM broadcast_recipients WHERE broadcast_id = ?`
	args := []any{broadcastID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BroadcastRecipient
	for rows.Next() {
		var r domain.BroadcastRecipient
		var st string
		var sent sql.NullInt64
		if err := rows.Scan(&r.ID, &r.BroadcastID, &r.EndUserID, &r.ChannelID, &st, &r.Attempts, &r.LastError, &sent); err != nil {
			return nil, err
		}
		r.Status = domain.RecipientStatus(st)
		r.SentAt = fromNullTS(sent)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FinishRecipient(ctx context.Context, r *domain.BroadcastRecipient) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_recipients SET status = ?, attempts = ?, last_error = ?, sent_at = ?
		 WHERE id = ? AND status = ?`,
		string(r.Status), r.Attempts, r.LastError, nullTS(r.SentAt), r.ID, string(domain.RecipientPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM broadcast_recipients WHERE id = ?`, r.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrRecipientTerminal
}

func (s *sqliteStore) CountRecipients(ctx context.Context, broadcastID string) (int, int, error) {
	var sent, failed int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM broadcast_recipients WHERE broadcast_id = ?`,
		string(domain.RecipientSent), string(domain.RecipientFailed), broadcastID).Scan(&sent, &failed)
	return sent, failed, err
}
