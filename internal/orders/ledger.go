package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	orderKeyPrefix     = "order:"
	userOrdersPrefix   = "orders:"
	confirmedKeyPrefix = "confirmed:"
	orderKeyPattern    = orderKeyPrefix + "*"
	operationRecord    = "orders.record"
	operationRemove    = "orders.remove"
	operationListOrder = "orders.list"
)

var (
	// ErrOrderNotFound indicates no order exists under the id.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrInvalidOrder indicates a missing id, owner, or non-positive amount.
	ErrInvalidOrder = errors.New("orders: invalid order")
)

// LedgerConfig describes the dependencies of the order ledger.
type LedgerConfig struct {
	Store  kv.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Ledger associates orders with the canonical user that placed them.
//
// The per-user id list is a single JSON value updated by read-modify-write.
// Two concurrent RecordOrder calls for the same user can both read the same
// prior list and the later write wins, leaving one order record unlisted.
type Ledger struct {
	store  kv.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger constructs an order ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orders: store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: cfg.Store, clock: clock, logger: logger}, nil
}

// NewOrderID allocates a unique, time-ordered order id.
func (l *Ledger) NewOrderID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(l.clock()), ulid.DefaultEntropy())
	if err != nil {
		return "", fmt.Errorf("orders: allocate id: %w", err)
	}
	return orderIDPrefix + id.String(), nil
}

// RecordOrder writes the order and appends its id to the owner's list.
// A failure after the order write leaves the order record in place.
func (l *Ledger) RecordOrder(ctx context.Context, userKey string, order Order) (Order, error) {
	userKey = strings.TrimSpace(userKey)
	order.ID = strings.TrimSpace(order.ID)
	if userKey == "" || order.ID == "" {
		return Order{}, fmt.Errorf("%w: id and user are required", ErrInvalidOrder)
	}
	if !order.Amount.IsPositive() {
		return Order{}, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	order.User = userKey
	if order.CreatedAt.IsZero() {
		order.CreatedAt = l.clock().UTC()
	}

	if err := kv.SetJSON(ctx, l.store, orderKeyPrefix+order.ID, order, 0); err != nil {
		return Order{}, fmt.Errorf("%s: write order: %w", operationRecord, err)
	}

	listKey := userOrdersPrefix + userKey
	ids, err := kv.GetStringList(ctx, l.store, listKey)
	if err != nil {
		return Order{}, fmt.Errorf("%s: read order list: %w", operationRecord, err)
	}
	ids = append(ids, order.ID)
	if err := kv.SetJSON(ctx, l.store, listKey, ids, 0); err != nil {
		return Order{}, fmt.Errorf("%s: write order list: %w", operationRecord, err)
	}

	// The marker outlives the order so an admin removal is not undone by a
	// redelivered payment event.
	if err := l.store.Set(ctx, confirmedKeyPrefix+order.ID, order.User, 0); err != nil {
		return Order{}, fmt.Errorf("%s: write confirmation marker: %w", operationRecord, err)
	}

	l.logger.Info("order recorded",
		zap.String("order_id", order.ID),
		zap.String("user_key", userKey),
		zap.String("tier", order.Tier))
	return order, nil
}

// GetOrder reads a single order.
func (l *Ledger) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: id required", ErrInvalidOrder)
	}
	var order Order
	err := kv.GetJSON(ctx, l.store, orderKeyPrefix+orderID, &order)
	if errors.Is(err, kv.ErrNotFound) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// Exists reports whether an order record is stored under orderID.
func (l *Ledger) Exists(ctx context.Context, orderID string) (bool, error) {
	_, err := l.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return false, nil
	}
	return err == nil, err
}

// WasRecorded reports whether an order was ever recorded under orderID,
// including orders an admin has since removed.
func (l *Ledger) WasRecorded(ctx context.Context, orderID string) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, fmt.Errorf("%w: id required", ErrInvalidOrder)
	}
	_, err := l.store.Get(ctx, confirmedKeyPrefix+orderID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return false, err
	}
	return l.Exists(ctx, orderID)
}

// ListOrders returns the user's orders newest first. Ids whose order record is
// gone are skipped.
func (l *Ledger) ListOrders(ctx context.Context, userKey string) ([]Order, error) {
	ids, err := kv.GetStringList(ctx, l.store, userOrdersPrefix+strings.TrimSpace(userKey))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operationListOrder, err)
	}
	orders := make([]Order, 0, len(ids))
	for _, id := range ids {
		order, err := l.GetOrder(ctx, id)
		if errors.Is(err, ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", operationListOrder, err)
		}
		orders = append(orders, order)
	}
	sortNewestFirst(orders)
	return orders, nil
}

// HasOrders reports whether ListOrders would return at least one order.
func (l *Ledger) HasOrders(ctx context.Context, userKey string) (bool, error) {
	ids, err := kv.GetStringList(ctx, l.store, userOrdersPrefix+strings.TrimSpace(userKey))
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		exists, err := l.Exists(ctx, id)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// RemoveOrder deletes the order and drops its id from the owner's list.
func (l *Ledger) RemoveOrder(ctx context.Context, orderID string) (Order, error) {
	order, err := l.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := l.store.Del(ctx, orderKeyPrefix+order.ID); err != nil {
		return Order{}, fmt.Errorf("%s: delete order: %w", operationRemove, err)
	}

	listKey := userOrdersPrefix + order.User
	ids, err := kv.GetStringList(ctx, l.store, listKey)
	if err != nil {
		return Order{}, fmt.Errorf("%s: read order list: %w", operationRemove, err)
	}
	remaining := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != order.ID {
			remaining = append(remaining, id)
		}
	}
	if err := kv.SetJSON(ctx, l.store, listKey, remaining, 0); err != nil {
		return Order{}, fmt.Errorf("%s: write order list: %w", operationRemove, err)
	}

	l.logger.Info("order removed",
		zap.String("order_id", order.ID),
		zap.String("user_key", order.User))
	return order, nil
}

// ListAll returns every stored order newest first.
func (l *Ledger) ListAll(ctx context.Context) ([]Order, error) {
	keys, err := l.store.Keys(ctx, orderKeyPattern)
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(keys))
	for _, key := range keys {
		order, err := l.GetOrder(ctx, strings.TrimPrefix(key, orderKeyPrefix))
		if errors.Is(err, ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	sortNewestFirst(orders)
	return orders, nil
}

// CountByTier counts stored orders of the named pricing tier.
func (l *Ledger) CountByTier(ctx context.Context, tier string) (int, error) {
	orders, err := l.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, order := range orders {
		if order.Tier == tier {
			count++
		}
	}
	return count, nil
}

func sortNewestFirst(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
