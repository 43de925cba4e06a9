package messages

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/R3E-Network/chatsphere/internal/app/domain/message"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
	svcerrors "github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/metrics"
	"github.com/R3E-Network/chatsphere/internal/realtime"
)

// SendInput is the payload of a new message.
type SendInput struct {
	ReceiverID string       `json:"receiverId"`
	Content    string       `json:"content"`
	Type       message.Type `json:"messageType"`
	ImageURL   string       `json:"imageUrl"`
}

// UnreadSummary counts unread messages per sender.
type UnreadSummary struct {
	Total    int            `json:"total"`
	BySender map[string]int `json:"bySender"`
}

// ReadReceipt is pushed to a sender when their messages are read.
type ReadReceipt struct {
	ReaderID string    `json:"readerId"`
	Count    int       `json:"count"`
	ReadAt   time.Time `json:"readAt"`
}

// Service handles direct messages between contacts.
type Service struct {
	users    storage.UserStore
	contacts storage.ContactStore
	store    storage.MessageStore
	notifier realtime.Notifier
	log      *logging.Logger
	now      func() time.Time
}

// New constructs a message service.
func New(users storage.UserStore, contacts storage.ContactStore, store storage.MessageStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("messages")
	}
	return &Service{
		users:    users,
		contacts: contacts,
		store:    store,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AttachNotifier injects the realtime notifier.
func (s *Service) AttachNotifier(n realtime.Notifier) {
	s.notifier = n
}

func (s *Service) notify(userID, event string, payload interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(userID, event, payload)
	}
}

// Send stores a message from senderID to a contact and pushes it to both parties.
func (s *Service) Send(ctx context.Context, senderID string, in SendInput) (message.Message, error) {
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	in.Content = strings.TrimSpace(in.Content)
	in.ImageURL = strings.TrimSpace(in.ImageURL)
	if in.Type == "" {
		in.Type = message.TypeText
	}

	if in.ReceiverID == "" {
		return message.Message{}, svcerrors.BadRequest("Receiver ID is required")
	}
	if in.ReceiverID == senderID {
		return message.Message{}, svcerrors.BadRequest("Cannot send a message to yourself")
	}
	switch in.Type {
	case message.TypeText:
		if in.Content == "" {
			return message.Message{}, svcerrors.BadRequest("Message content is required")
		}
		in.ImageURL = ""
	case message.TypeImage:
		if in.ImageURL == "" {
			return message.Message{}, svcerrors.BadRequest("Image URL is required for image messages")
		}
		if u, err := url.Parse(in.ImageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return message.Message{}, svcerrors.BadRequest("Image URL must be an http(s) URL")
		}
	default:
		return message.Message{}, svcerrors.BadRequest("Invalid message type")
	}
	if utf8.RuneCountInString(in.Content) > message.MaxContentLength {
		return message.Message{}, svcerrors.BadRequest("Message cannot exceed 5000 characters")
	}

	if _, err := s.users.GetUser(ctx, in.ReceiverID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return message.Message{}, svcerrors.NotFound("User not found")
		}
		return message.Message{}, svcerrors.Internal("", err)
	}
	ok, err := s.contacts.ContactExists(ctx, senderID, in.ReceiverID)
	if err != nil {
		return message.Message{}, svcerrors.Internal("", err)
	}
	if !ok {
		return message.Message{}, svcerrors.Forbidden("You can only message your contacts")
	}

	msg, err := s.store.CreateMessage(ctx, message.Message{
		SenderID:   senderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		Type:       in.Type,
		ImageURL:   in.ImageURL,
	})
	if err != nil {
		return message.Message{}, svcerrors.Internal("", err)
	}
	metrics.RecordMessageSent(string(msg.Type))
	s.notify(msg.ReceiverID, realtime.EventMessageNew, msg)
	s.notify(msg.SenderID, realtime.EventMessageNew, msg)
	return msg, nil
}

// Conversation returns one page of the conversation between userID and
// otherID, oldest first. A zero before starts from the newest message.
func (s *Service) Conversation(ctx context.Context, userID, otherID string, before time.Time, limit int) (message.Page, error) {
	if _, err := s.users.GetUser(ctx, otherID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return message.Page{}, svcerrors.NotFound("User not found")
		}
		return message.Page{}, svcerrors.Internal("", err)
	}
	limit = ClampLimit(limit)

	msgs, err := s.store.ListConversation(ctx, userID, otherID, before, limit+1)
	if err != nil {
		return message.Page{}, svcerrors.Internal("", err)
	}
	page := message.Page{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	page.Messages = msgs
	return page, nil
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return message.DefaultPageSize
	case limit > message.MaxPageSize:
		return message.MaxPageSize
	}
	return limit
}

// MarkRead marks every unread message from otherID to userID as read.
func (s *Service) MarkRead(ctx context.Context, userID, otherID string) (int, error) {
	at := s.now()
	n, err := s.store.MarkConversationRead(ctx, otherID, userID, at)
	if err != nil {
		return 0, svcerrors.Internal("", err)
	}
	if n > 0 {
		s.notify(otherID, realtime.EventMessageRead, ReadReceipt{ReaderID: userID, Count: n, ReadAt: at})
	}
	return n, nil
}

// Delete removes a message sent by userID.
func (s *Service) Delete(ctx context.Context, userID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return svcerrors.NotFound("Message not found")
	}
	if err != nil {
		return svcerrors.Internal("", err)
	}
	if msg.SenderID != userID {
		return svcerrors.Forbidden("You can only delete your own messages")
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return svcerrors.Internal("", err)
	}
	payload := map[string]string{"id": msg.ID, "senderId": msg.SenderID, "receiverId": msg.ReceiverID}
	s.notify(msg.ReceiverID, realtime.EventMessageDeleted, payload)
	s.notify(msg.SenderID, realtime.EventMessageDeleted, payload)
	return nil
}

// Conversations summarises every partner userID has exchanged messages with,
// most recent first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]message.Conversation, error) {
	latest, err := s.store.LatestPerPartner(ctx, userID)
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	unread, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}

	ids := make([]string, 0, len(latest))
	for _, m := range latest {
		ids = append(ids, partnerOf(m, userID))
	}
	partners := make(map[string]user.Profile, len(ids))
	if len(ids) > 0 {
		found, err := s.users.GetUsers(ctx, ids)
		if err != nil {
			return nil, svcerrors.Internal("", err)
		}
		for _, u := range found {
			partners[u.ID] = u.Public()
		}
	}

	out := make([]message.Conversation, 0, len(latest))
	for _, m := range latest {
		p, ok := partners[partnerOf(m, userID)]
		if !ok {
			continue
		}
		out = append(out, message.Conversation{Contact: p, LastMessage: m, UnreadCount: unread[p.ID]})
	}
	return out, nil
}

func partnerOf(m message.Message, userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Unread returns unread message counts for userID.
func (s *Service) Unread(ctx context.Context, userID string) (UnreadSummary, error) {
	counts, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return UnreadSummary{}, svcerrors.Internal("", err)
	}
	sum := UnreadSummary{BySender: counts}
	for _, n := range counts {
		sum.Total += n
	}
	return sum, nil
}
