package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/lilleprinsen-dotcom/Returportal/internal/db"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository"
)

// ReturnMetaRepo owns the per-order return state (lock, returned
// quantities, label references, free-shipping usage).
type ReturnMetaRepo struct {
	db db.DB
}

func NewReturnMetaRepo(db db.DB) *ReturnMetaRepo {
	return &ReturnMetaRepo{db: db}
}

// Get returns the stored metadata, or a zeroed record when the order has
// never been touched by the portal.
func (r *ReturnMetaRepo) Get(ctx context.Context, orderID int64) (*repository.ReturnMeta, error) {
	var meta repository.ReturnMeta
	err := r.db.Get(ctx, &meta, "SELECT * FROM return_orders WHERE order_id = $1", orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &repository.ReturnMeta{OrderID: orderID}, nil
		}
		return nil, err
	}
	return &meta, nil
}

const upsertMetaQuery = `
        INSERT INTO return_orders (
            order_id, locked, lock_override, returned_qty, consignment_id,
            label_public_url, label_private_url, label_file, label_valid_until,
            last_regen_at, refund_method, parcel_size, carrier_group,
            return_reason, created_at, fs_used, fs_used_at, fs_nonce, notes
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
        ON CONFLICT (order_id) DO UPDATE SET
            locked = EXCLUDED.locked,
            lock_override = EXCLUDED.lock_override,
            returned_qty = EXCLUDED.returned_qty,
            consignment_id = EXCLUDED.consignment_id,
            label_public_url = EXCLUDED.label_public_url,
            label_private_url = EXCLUDED.label_private_url,
            label_file = EXCLUDED.label_file,
            label_valid_until = EXCLUDED.label_valid_until,
            last_regen_at = EXCLUDED.last_regen_at,
            refund_method = EXCLUDED.refund_method,
            parcel_size = EXCLUDED.parcel_size,
            carrier_group = EXCLUDED.carrier_group,
            return_reason = EXCLUDED.return_reason,
            created_at = EXCLUDED.created_at,
            fs_used = EXCLUDED.fs_used,
            fs_used_at = EXCLUDED.fs_used_at,
            fs_nonce = EXCLUDED.fs_nonce,
            notes = EXCLUDED.notes
`

func metaArgs(meta *repository.ReturnMeta) []interface{} {
	qty := meta.ReturnedQtyRaw
	if len(qty) == 0 {
		qty = []byte("{}")
	}
	return []interface{}{
		meta.OrderID, meta.Locked, meta.LockOverride, qty, meta.ConsignmentID,
		meta.LabelPublicURL, meta.LabelPrivateURL, meta.LabelFile, meta.LabelValidUntil,
		meta.LastRegenAt, meta.RefundMethod, meta.ParcelSize, meta.CarrierGroup,
		meta.ReturnReason, meta.CreatedAt, meta.FSUsed, meta.FSUsedAt, meta.FSNonce, meta.Notes,
	}
}

func (r *ReturnMetaRepo) Upsert(ctx context.Context, meta *repository.ReturnMeta) error {
	_, err := r.db.Exec(ctx, upsertMetaQuery, metaArgs(meta)...)
	return err
}

func (r *ReturnMetaRepo) UpsertTx(ctx context.Context, tx db.Tx, meta *repository.ReturnMeta) error {
	_, err := tx.Exec(ctx, upsertMetaQuery, metaArgs(meta)...)
	return err
}

// AppendNote adds a free-text annotation to the order's return record.
func (r *ReturnMetaRepo) AppendNote(ctx context.Context, orderID int64, note string) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO return_orders (order_id, notes)
        VALUES ($1, $2)
        ON CONFLICT (order_id) DO UPDATE SET
            notes = CASE WHEN return_orders.notes = '' THEN EXCLUDED.notes
                         ELSE return_orders.notes || E'\n---\n' || EXCLUDED.notes END
    `, orderID, note)
	return err
}

// SetLockOverride lets an administrator reopen an order for a new return.
func (r *ReturnMetaRepo) SetLockOverride(ctx context.Context, orderID int64) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO return_orders (order_id, lock_override)
        VALUES ($1, TRUE)
        ON CONFLICT (order_id) DO UPDATE SET lock_override = TRUE
    `, orderID)
	return err
}

// MarkFSUsed stamps free-shipping consumption on the new order's record.
func (r *ReturnMetaRepo) MarkFSUsed(ctx context.Context, orderID int64, nonce string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO return_orders (order_id, fs_used, fs_used_at, fs_nonce)
        VALUES ($1, TRUE, $2, $3)
        ON CONFLICT (order_id) DO UPDATE SET
            fs_used = TRUE, fs_used_at = EXCLUDED.fs_used_at, fs_nonce = EXCLUDED.fs_nonce
    `, orderID, at, nonce)
	return err
}

// ListLockedSince returns the return records created after the given time,
// for the admin stats summary.
func (r *ReturnMetaRepo) ListLockedSince(ctx context.Context, since time.Time) ([]*repository.ReturnMeta, error) {
	var metas []*repository.ReturnMeta
	err := r.db.Select(ctx, &metas, `
        SELECT * FROM return_orders
        WHERE locked = TRUE AND created_at IS NOT NULL AND created_at > $1
        ORDER BY created_at ASC
    `, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list return records: %w", err)
	}
	return metas, nil
}
