package comments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	commentsKey     = "product:comments"
	commentIDPrefix = "comment_"
	// MaxTextLength bounds the comment body in characters.
	MaxTextLength = 2000
)

const (
	// EventPosted is published after a comment is stored.
	EventPosted = "comment.posted"
	// EventRemoved is published after a comment is deleted.
	EventRemoved = "comment.removed"
)

var (
	// ErrCommentNotFound indicates no comment has the requested id.
	ErrCommentNotFound = errors.New("comments: comment not found")
	// ErrInvalidComment indicates empty or oversized text or a missing identity.
	ErrInvalidComment = errors.New("comments: invalid comment")
)

// Comment is the stored form. The contact value is kept unmasked.
type Comment struct {
	ID            string         `json:"id"`
	ContactMethod contact.Method `json:"contactMethod"`
	ContactValue  string         `json:"contactValue"`
	Text          string         `json:"text"`
	Timestamp     time.Time      `json:"timestamp"`
}

// View is the public form: masked contact plus the live purchaser flag.
type View struct {
	ID            string         `json:"id"`
	ContactMethod contact.Method `json:"contactMethod"`
	ContactValue  string         `json:"contactValue"`
	Text          string         `json:"text"`
	Timestamp     time.Time      `json:"timestamp"`
	Verified      bool           `json:"verified"`
}

// Event describes a change to the board.
type Event struct {
	Type    string `json:"type"`
	Comment View   `json:"comment"`
}

// IdentityLookup resolves a contact to its canonical user without creating one.
type IdentityLookup interface {
	Lookup(ctx context.Context, identity contact.Identity) (users.User, error)
}

// OrderChecker reports whether a canonical user has any recorded orders.
type OrderChecker interface {
	HasOrders(ctx context.Context, userKey string) (bool, error)
}

// Publisher receives board events; delivery is best effort.
type Publisher interface {
	Publish(event Event)
}

// BoardConfig describes the dependencies of the comment board.
type BoardConfig struct {
	Store     kv.Store
	Users     IdentityLookup
	Orders    OrderChecker
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Board is the public product comment list stored as one JSON array.
// Concurrent posts race on that single value and the later write wins.
type Board struct {
	store     kv.Store
	users     IdentityLookup
	orders    OrderChecker
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

// NewBoard constructs a comment board.
func NewBoard(cfg BoardConfig) (*Board, error) {
	if cfg.Store == nil || cfg.Users == nil || cfg.Orders == nil {
		return nil, fmt.Errorf("comments: store, users, and orders are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{
		store:     cfg.Store,
		users:     cfg.Users,
		orders:    cfg.Orders,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// ValidateText trims text and checks its length.
func ValidateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("%w: text required", ErrInvalidComment)
	}
	if utf8.RuneCountInString(trimmed) > MaxTextLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", ErrInvalidComment, MaxTextLength)
	}
	return trimmed, nil
}

// Post appends a comment by identity and returns it annotated for display.
func (b *Board) Post(ctx context.Context, identity contact.Identity, text string) (View, error) {
	body, err := ValidateText(text)
	if err != nil {
		return View{}, err
	}
	if identity.Method == "" || strings.TrimSpace(identity.Value) == "" {
		return View{}, fmt.Errorf("%w: identity required", ErrInvalidComment)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return View{}, fmt.Errorf("comments: allocate id: %w", err)
	}
	comment := Comment{
		ID:            commentIDPrefix + id.String(),
		ContactMethod: identity.Method,
		ContactValue:  identity.Value,
		Text:          body,
		Timestamp:     b.clock().UTC(),
	}

	stored, err := b.load(ctx)
	if err != nil {
		return View{}, err
	}
	stored = append(stored, comment)
	if err := kv.SetJSON(ctx, b.store, commentsKey, stored, 0); err != nil {
		return View{}, err
	}

	view, err := b.view(ctx, comment)
	if err != nil {
		return View{}, err
	}
	b.logger.Info("comment posted", zap.String("comment_id", comment.ID))
	b.publish(EventPosted, view)
	return view, nil
}

// List returns every comment newest first with verification computed now.
func (b *Board) List(ctx context.Context) ([]View, error) {
	stored, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(stored))
	for _, comment := range stored {
		view, err := b.view(ctx, comment)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Timestamp.After(views[j].Timestamp)
	})
	return views, nil
}

// Remove deletes the comment with id.
func (b *Board) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	stored, err := b.load(ctx)
	if err != nil {
		return err
	}
	remaining := make([]Comment, 0, len(stored))
	var removed *Comment
	for index := range stored {
		if stored[index].ID == id && removed == nil {
			removed = &stored[index]
			continue
		}
		remaining = append(remaining, stored[index])
	}
	if removed == nil {
		return ErrCommentNotFound
	}
	if err := kv.SetJSON(ctx, b.store, commentsKey, remaining, 0); err != nil {
		return err
	}
	b.logger.Info("comment removed", zap.String("comment_id", id))
	b.publish(EventRemoved, View{
		ID:            removed.ID,
		ContactMethod: removed.ContactMethod,
		ContactValue:  Mask(removed.ContactValue, removed.ContactMethod),
		Text:          removed.Text,
		Timestamp:     removed.Timestamp,
	})
	return nil
}

// Verified reports whether the identity, after one alias hop, owns any order.
func (b *Board) Verified(ctx context.Context, identity contact.Identity) (bool, error) {
	userKey := identity.Key()
	user, err := b.users.Lookup(ctx, identity)
	switch {
	case err == nil:
		userKey = user.Key()
	case errors.Is(err, users.ErrUserNotFound), errors.Is(err, users.ErrInvalidIdentity):
	default:
		return false, err
	}
	return b.orders.HasOrders(ctx, userKey)
}

func (b *Board) view(ctx context.Context, comment Comment) (View, error) {
	verified, err := b.Verified(ctx, contact.Identity{Method: comment.ContactMethod, Value: comment.ContactValue})
	if err != nil {
		return View{}, err
	}
	return View{
		ID:            comment.ID,
		ContactMethod: comment.ContactMethod,
		ContactValue:  Mask(comment.ContactValue, comment.ContactMethod),
		Text:          comment.Text,
		Timestamp:     comment.Timestamp,
		Verified:      verified,
	}, nil
}

func (b *Board) load(ctx context.Context) ([]Comment, error) {
	var stored []Comment
	err := kv.GetJSON(ctx, b.store, commentsKey, &stored)
	if errors.Is(err, kv.ErrNotFound) {
		return []Comment{}, nil
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (b *Board) publish(eventType string, view View) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(Event{Type: eventType, Comment: view})
}
