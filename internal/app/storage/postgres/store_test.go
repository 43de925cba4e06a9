package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/chatsphere/internal/app/domain/contact"
	"github.com/R3E-Network/chatsphere/internal/app/domain/message"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

var userCols = []string{"id", "name", "email", "password_hash", "avatar", "is_online", "last_seen", "created_at", "updated_at"}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	_, err := store.CreateUser(context.Background(), user.User{Name: "Alice", Email: "Alice@Example.com"})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateUserNormalizesEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(sqlmock.AnyArg(), "Alice", "alice@example.com", "hash", "", true, sql.NullTime{}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := store.CreateUser(context.Background(), user.User{Name: "Alice", Email: " Alice@Example.com", PasswordHash: "hash", IsOnline: true})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.ID == "" || u.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps, got %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userCols))

	if _, err := store.GetUser(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUserScansLastSeen(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "Alice", "alice@example.com", "hash", "", false, now, now, now))

	u, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.LastSeen == nil || !u.LastSeen.Equal(now) {
		t.Fatalf("expected last seen %v, got %v", now, u.LastSeen)
	}
}

func TestSearchUsersEscapesPattern(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("name ILIKE $2 OR email ILIKE $2")).
		WithArgs("me", `%50\%%`, 20).
		WillReturnRows(sqlmock.NewRows(userCols))

	if _, err := store.SearchUsers(context.Background(), "50%", "me", 0); err != nil {
		t.Fatalf("search users: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateContactPairInsertsBothDirections(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contacts")).
		WithArgs(sqlmock.AnyArg(), "a", "b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contacts")).
		WithArgs(sqlmock.AnyArg(), "b", "a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.CreateContactPair(context.Background(), "a", "b"); err != nil {
		t.Fatalf("create pair: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var requestCols = []string{"id", "from_user", "to_user", "status", "created_at", "updated_at"}

func TestDecideContactRequestOnlyFromPending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = 'pending'")).
		WithArgs("r1", "accepted", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow("r1", "a", "b", "accepted", now, now))

	req, err := store.DecideContactRequest(context.Background(), "r1", contact.StatusAccepted)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if req.Status != contact.StatusAccepted || req.From != "a" || req.To != "b" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecideContactRequestAlreadyDecided(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = 'pending'")).
		WithArgs("r1", "rejected", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(requestCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM contact_requests WHERE id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow("r1", "a", "b", "accepted", now, now))

	_, err := store.DecideContactRequest(context.Background(), "r1", contact.StatusRejected)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecideContactRequestMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = 'pending'")).
		WithArgs("r1", "accepted", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM contact_requests WHERE id = $1")).
		WithArgs("r1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.DecideContactRequest(context.Background(), "r1", contact.StatusAccepted)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateContactRequestMapsPendingPairViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contact_requests")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "contact_requests_pending_pair_key"})

	_, err := store.CreateContactRequest(context.Background(), contact.Request{From: "b", To: "a", Status: contact.StatusPending})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMarkConversationReadReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_read = TRUE")).
		WithArgs("b", "a", at).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.MarkConversationRead(context.Background(), "b", "a", at)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestCountUnreadGroupsBySender(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY sender_id")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"sender_id", "count"}).AddRow("b", 2).AddRow("c", 1))

	counts, err := store.CountUnread(context.Background(), "a")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if counts["b"] != 2 || counts["c"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestDeleteMessageNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE id = $1")).
		WithArgs("m1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteMessage(context.Background(), "m1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListConversationScansRows(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "sender_id", "receiver_id", "content", "message_type", "image_url", "is_read", "read_at", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs("a", "b", sql.NullTime{}, 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("m2", "b", "a", "hey", "text", "", true, now, now, now).
			AddRow("m1", "a", "b", "hi", "text", "", false, nil, now.Add(-time.Minute), now.Add(-time.Minute)))

	msgs, err := store.ListConversation(context.Background(), "a", "b", time.Time{}, 10)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[0].ReadAt == nil || msgs[1].ReadAt != nil {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[1].Type != message.TypeText {
		t.Fatalf("expected text type, got %q", msgs[1].Type)
	}
}
