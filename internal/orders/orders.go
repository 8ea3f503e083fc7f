// Package orders answers order lookups for the support bot, either from the
// local database or from the remote order service.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
)

// DefaultListLimit bounds FindByUser results.
const DefaultListLimit = 5

// Query is the order-query collaborator.
type Query interface {
	// FindByUser returns the user's most recent orders, newest first.
	FindByUser(ctx context.Context, userID string) ([]domain.Order, error)
	// FindByID returns the order if it exists and belongs to userID, else nil.
	FindByID(ctx context.Context, userID, orderID string) (*domain.Order, error)
}

// Source is the store subset used by Local.
type Source interface {
	FindOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	FindOrder(ctx context.Context, userID, orderID string) (*domain.Order, error)
}

// Local serves lookups from the service's own database.
type Local struct {
	src   Source
	limit int
}

// NewLocal creates a Query backed by the store.
func NewLocal(src Source) *Local {
	return &Local{src: src, limit: DefaultListLimit}
}

// FindByUser implements Query.
func (l *Local) FindByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	orders, err := l.src.FindOrdersByUser(ctx, userID, l.limit)
	if err != nil {
		return nil, fmt.Errorf("find orders for %s: %w", userID, err)
	}
	return orders, nil
}

// FindByID implements Query.
func (l *Local) FindByID(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	order, err := l.src.FindOrder(ctx, userID, orderID)
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", orderID, err)
	}
	return order, nil
}

// WithTimeout bounds every call of q by d.
func WithTimeout(q Query, d time.Duration) Query {
	if d <= 0 {
		return q
	}
	return timeoutQuery{q: q, d: d}
}

type timeoutQuery struct {
	q Query
	d time.Duration
}

func (t timeoutQuery) FindByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.q.FindByUser(ctx, userID)
}

func (t timeoutQuery) FindByID(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.q.FindByID(ctx, userID, orderID)
}

var (
	_ Query = (*Local)(nil)
	_ Query = timeoutQuery{}
)
