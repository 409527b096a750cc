package postgresql

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lilleprinsen-dotcom/Returportal/internal/db"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository"
)

// ReturnLogRepo appends to and reads the append-only return audit table.
type ReturnLogRepo struct {
	db db.DB
}

func NewReturnLogRepo(db db.DB) *ReturnLogRepo {
	return &ReturnLogRepo{db: db}
}

func (r *ReturnLogRepo) CreateTx(ctx context.Context, tx db.Tx, entry *repository.ReturnLogEntry) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO return_log (
            created, order_id, email, reason, carrier, parcel_size,
            label_url, tracking_url, fs_nonce
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, entry.Created, entry.OrderID, entry.Email, entry.Reason, entry.Carrier,
		entry.ParcelSize, entry.LabelURL, entry.TrackingURL, entry.FSNonce)
	if err != nil {
		return fmt.Errorf("failed to insert return log entry: %w", err)
	}
	return nil
}

// List returns the newest entries, optionally filtered by email substring
// or exact order id.
func (r *ReturnLogRepo) List(ctx context.Context, search string, limit int) ([]*repository.ReturnLogEntry, error) {
	if limit <= 0 {
		limit = 300
	}

	query := "SELECT * FROM return_log"
	args := []interface{}{}
	if search != "" {
		orderID, _ := strconv.ParseInt(search, 10, 64)
		query += " WHERE email ILIKE $1 OR order_id = $2"
		args = append(args, "%"+search+"%", orderID)
	}
	query += fmt.Sprintf(" ORDER BY created DESC LIMIT %d", limit)

	var entries []*repository.ReturnLogEntry
	err := r.db.Select(ctx, &entries, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list return log: %w", err)
	}
	return entries, nil
}

// SetNewOrder records the lazily resolved follow-up order for an entry.
func (r *ReturnLogRepo) SetNewOrder(ctx context.Context, entryID, newOrderID int64) error {
	_, err := r.db.Exec(ctx, "UPDATE return_log SET new_order_id = $1 WHERE id = $2", newOrderID, entryID)
	return err
}
