package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/chatsphere/internal/app/domain/contact"
	"github.com/R3E-Network/chatsphere/internal/app/domain/message"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ContactStore = (*Store)(nil)
var _ storage.MessageStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn using the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

const uniqueViolation = "23505"

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return storage.ErrDuplicate
	}
	return err
}

func requireAffected(result sql.Result) error {
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- UserStore --------------------------------------------------------------

type userRow struct {
	ID           string       `db:"id"`
	Name         string       `db:"name"`
	Email        string       `db:"email"`
	PasswordHash string       `db:"password_hash"`
	Avatar       string       `db:"avatar"`
	IsOnline     bool         `db:"is_online"`
	LastSeen     sql.NullTime `db:"last_seen"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r userRow) toDomain() user.User {
	u := user.User{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Avatar:       r.Avatar,
		IsOnline:     r.IsOnline,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastSeen.Valid {
		ts := r.LastSeen.Time
		u.LastSeen = &ts
	}
	return u
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

const userColumns = `id, name, email, password_hash, avatar, is_online, last_seen, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = user.NormalizeEmail(u.Email)
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, avatar, is_online, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Avatar, u.IsOnline, nullTime(u.LastSeen), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return user.User{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE email = $1`, user.NormalizeEmail(email)); err != nil {
		return user.User{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetUsers(ctx context.Context, ids []string) ([]user.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, mapError(err)
	}
	out := make([]user.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.Email = user.NormalizeEmail(u.Email)
	u.UpdatedAt = time.Now().UTC()

	var createdAt time.Time
	err := s.db.QueryRowxContext(ctx, `
		UPDATE users
		SET name = $2, email = $3, password_hash = $4, avatar = $5, is_online = $6, last_seen = $7, updated_at = $8
		WHERE id = $1
		RETURNING created_at
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Avatar, u.IsOnline, nullTime(u.LastSeen), u.UpdatedAt).Scan(&createdAt)
	if err != nil {
		return user.User{}, mapError(err)
	}
	u.CreatedAt = createdAt
	return u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(result)
}

func (s *Store) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]user.User, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"

	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+userColumns+`
		FROM users
		WHERE id <> $1 AND (name ILIKE $2 OR email ILIKE $2)
		ORDER BY name
		LIMIT $3
	`, excludeID, pattern, limit)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]user.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) SetPresence(ctx context.Context, id string, online bool, lastSeen *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_online = $2, last_seen = COALESCE($3, last_seen) WHERE id = $1
	`, id, online, nullTime(lastSeen))
	if err != nil {
		return mapError(err)
	}
	return requireAffected(result)
}

// --- ContactStore -----------------------------------------------------------

type requestRow struct {
	ID        string    `db:"id"`
	From      string    `db:"from_user"`
	To        string    `db:"to_user"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r requestRow) toDomain() contact.Request {
	return contact.Request{
		ID:        r.ID,
		From:      r.From,
		To:        r.To,
		Status:    contact.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const requestColumns = `id, from_user, to_user, status, created_at, updated_at`

func (s *Store) CreateContactRequest(ctx context.Context, req contact.Request) (contact.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_requests (id, from_user, to_user, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, req.ID, req.From, req.To, string(req.Status), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return contact.Request{}, mapError(err)
	}
	return req, nil
}

func (s *Store) GetContactRequest(ctx context.Context, id string) (contact.Request, error) {
	var row requestRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM contact_requests WHERE id = $1`, id); err != nil {
		return contact.Request{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) DecideContactRequest(ctx context.Context, id string, status contact.Status) (contact.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE contact_requests SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestColumns, id, string(status), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetContactRequest(ctx, id); getErr != nil {
			return contact.Request{}, getErr
		}
		return contact.Request{}, storage.ErrConflict
	}
	if err != nil {
		return contact.Request{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindPendingRequestBetween(ctx context.Context, a, b string) (contact.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+requestColumns+`
		FROM contact_requests
		WHERE status = 'pending'
		  AND ((from_user = $1 AND to_user = $2) OR (from_user = $2 AND to_user = $1))
		LIMIT 1
	`, a, b)
	if err != nil {
		return contact.Request{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListContactRequests(ctx context.Context, filter contact.RequestFilter) ([]contact.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+requestColumns+`
		FROM contact_requests
		WHERE ($1 = '' OR from_user = $1)
		  AND ($2 = '' OR to_user = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
	`, filter.From, filter.To, string(filter.Status))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]contact.Request, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) DeleteContactRequestsBefore(ctx context.Context, status contact.Status, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM contact_requests WHERE status = $1 AND updated_at < $2
	`, string(status), before)
	if err != nil {
		return 0, mapError(err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *Store) CreateContactPair(ctx context.Context, a, b string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (id, user_id, contact_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, contact_id) DO NOTHING
		`, uuid.NewString(), pair[0], pair[1], now); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}

func (s *Store) ContactExists(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM contacts
			WHERE (user_id = $1 AND contact_id = $2) OR (user_id = $2 AND contact_id = $1)
		)
	`, a, b)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

type contactRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	ContactID string    `db:"contact_id"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) ListContacts(ctx context.Context, userID string) ([]contact.Contact, error) {
	var rows []contactRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, contact_id, created_at
		FROM contacts
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]contact.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, contact.Contact(r))
	}
	return out, nil
}

func (s *Store) DeleteContactPair(ctx context.Context, a, b string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM contacts
		WHERE (user_id = $1 AND contact_id = $2) OR (user_id = $2 AND contact_id = $1)
	`, a, b)
	return mapError(err)
}

func (s *Store) DeleteUserContacts(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE user_id = $1 OR contact_id = $1`, userID); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_requests WHERE from_user = $1 OR to_user = $1`, userID); err != nil {
		return mapError(err)
	}
	return tx.Commit()
}

// --- MessageStore -----------------------------------------------------------

type messageRow struct {
	ID         string       `db:"id"`
	SenderID   string       `db:"sender_id"`
	ReceiverID string       `db:"receiver_id"`
	Content    string       `db:"content"`
	Type       string       `db:"message_type"`
	ImageURL   string       `db:"image_url"`
	Read       bool         `db:"is_read"`
	ReadAt     sql.NullTime `db:"read_at"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

func (r messageRow) toDomain() message.Message {
	m := message.Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		Type:       message.Type(r.Type),
		ImageURL:   r.ImageURL,
		Read:       r.Read,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.ReadAt.Valid {
		ts := r.ReadAt.Time
		m.ReadAt = &ts
	}
	return m
}

func toMessages(rows []messageRow) []message.Message {
	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

const messageColumns = `id, sender_id, receiver_id, content, message_type, image_url, is_read, read_at, created_at, updated_at`

func (s *Store) CreateMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, content, message_type, image_url, is_read, read_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Type), msg.ImageURL, msg.Read, nullTime(msg.ReadAt), msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return message.Message{}, mapError(err)
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (message.Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id); err != nil {
		return message.Message{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(result)
}

func (s *Store) ListConversation(ctx context.Context, a, b string, before time.Time, limit int) ([]message.Message, error) {
	var cursor sql.NullTime
	if !before.IsZero() {
		cursor = sql.NullTime{Time: before, Valid: true}
	}

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, a, b, cursor, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return toMessages(rows), nil
}

func (s *Store) MarkConversationRead(ctx context.Context, from, to string, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = $3, updated_at = $3
		WHERE sender_id = $1 AND receiver_id = $2 AND is_read = FALSE
	`, from, to, at)
	if err != nil {
		return 0, mapError(err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *Store) CountUnread(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT sender_id, COUNT(*) FROM messages
		WHERE receiver_id = $1 AND is_read = FALSE
		GROUP BY sender_id
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			sender string
			count  int
		)
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, err
		}
		out[sender] = count
	}
	return out, rows.Err()
}

func (s *Store) LatestPerPartner(ctx context.Context, userID string) ([]message.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM (
			SELECT DISTINCT ON (CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END) `+messageColumns+`
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
			ORDER BY CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END, created_at DESC
		) latest
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return toMessages(rows), nil
}

func (s *Store) DeleteUserMessages(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE sender_id = $1 OR receiver_id = $1`, userID)
	return mapError(err)
}
