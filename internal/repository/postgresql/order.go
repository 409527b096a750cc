package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/lilleprinsen-dotcom/Returportal/internal/db"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository"
)

// OrderRepo reads the commerce backend's order tables. The portal treats
// them as an external, read-only capability.
type OrderRepo struct {
	db db.DB
}

func NewOrderRepo(db db.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

func (r *OrderRepo) GetByID(ctx context.Context, id int64) (*repository.Order, error) {
	var order repository.Order
	err := r.db.Get(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetByNumber resolves a customer-supplied order reference. A leading '#'
// is stripped; a numeric reference is treated as the order id, anything
// else (e.g. an "order_<key>" form) is matched against the number column.
func (r *OrderRepo) GetByNumber(ctx context.Context, number string) (*repository.Order, error) {
	number = strings.TrimPrefix(strings.TrimSpace(number), "#")
	if number == "" {
		return nil, repository.ErrObjectNotFound
	}

	if id, err := strconv.ParseInt(number, 10, 64); err == nil {
		return r.GetByID(ctx, id)
	}

	number = strings.TrimPrefix(number, "order_")
	var order repository.Order
	err := r.db.Get(ctx, &order, "SELECT * FROM orders WHERE number = $1", number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepo) GetLines(ctx context.Context, orderID int64) ([]*repository.OrderLine, error) {
	var lines []*repository.OrderLine
	err := r.db.Select(ctx, &lines, "SELECT * FROM order_items WHERE order_id = $1 ORDER BY id ASC", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}
	return lines, nil
}

// FindFirstAfterWithNonce finds the earliest order created in the
// (after, cutoff] window whose return metadata records the given
// free-shipping nonce as used.
func (r *OrderRepo) FindFirstAfterWithNonce(ctx context.Context, nonce string, after, cutoff time.Time) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        SELECT o.id FROM orders o
        JOIN return_orders m ON m.order_id = o.id
        WHERE m.fs_used = TRUE AND m.fs_nonce = $1
          AND o.created_at > $2 AND o.created_at <= $3
        ORDER BY o.created_at ASC
        LIMIT 1
    `, nonce, after, cutoff).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrObjectNotFound
		}
		return 0, err
	}
	return id, nil
}

// FindFirstAfterWithEmail is the fallback matcher on billing email.
func (r *OrderRepo) FindFirstAfterWithEmail(ctx context.Context, email string, after, cutoff time.Time) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        SELECT o.id FROM orders o
        JOIN return_orders m ON m.order_id = o.id
        WHERE m.fs_used = TRUE AND lower(o.billing_email) = lower($1)
          AND o.created_at > $2 AND o.created_at <= $3
        ORDER BY o.created_at ASC
        LIMIT 1
    `, email, after, cutoff).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrObjectNotFound
		}
		return 0, err
	}
	return id, nil
}
