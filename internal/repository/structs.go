package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("not found")

// Order is the read model of a commerce-backend order. The portal never
// writes to it; return state lives in ReturnMeta.
type Order struct {
	ID               int64      `db:"id"`
	Number           string     `db:"number"`
	Status           string     `db:"status"`
	Paid             bool       `db:"paid"`
	BillingFirstName string     `db:"billing_first_name"`
	BillingLastName  string     `db:"billing_last_name"`
	BillingCompany   string     `db:"billing_company"`
	BillingAddress1  string     `db:"billing_address1"`
	BillingAddress2  string     `db:"billing_address2"`
	BillingPostcode  string     `db:"billing_postcode"`
	BillingCity      string     `db:"billing_city"`
	BillingCountry   string     `db:"billing_country"`
	BillingPhone     string     `db:"billing_phone"`
	BillingEmail     string     `db:"billing_email"`
	ShippingCountry  string     `db:"shipping_country"`
	CompletedAt      *time.Time `db:"completed_at"`
	PaidAt           *time.Time `db:"paid_at"`
	CreatedAt        time.Time  `db:"created_at"`
}

// Country returns the billing country, falling back to shipping country.
func (o *Order) Country() string {
	if o.BillingCountry != "" {
		return o.BillingCountry
	}
	return o.ShippingCountry
}

// WindowAnchor is the timestamp the return window counts from.
func (o *Order) WindowAnchor() time.Time {
	if o.CompletedAt != nil {
		return *o.CompletedAt
	}
	if o.PaidAt != nil {
		return *o.PaidAt
	}
	return o.CreatedAt
}

type OrderLine struct {
	ID               int64   `db:"id"`
	OrderID          int64   `db:"order_id"`
	Name             string  `db:"name"`
	Quantity         int     `db:"quantity"`
	WeightKg         float64 `db:"weight_kg"`
	WeightOverrideKg float64 `db:"weight_override_kg"`
}

// LineWeight is the per-unit weight used for consignment aggregation: the
// override wins when set, else the catalog weight.
func (l *OrderLine) LineWeight() float64 {
	if l.WeightOverrideKg > 0 {
		return l.WeightOverrideKg
	}
	return l.WeightKg
}

// ReturnMeta is the per-order return state owned by the portal.
// ReturnedQty maps order-line id to the cumulative returned quantity.
type ReturnMeta struct {
	OrderID         int64      `db:"order_id"`
	Locked          bool       `db:"locked"`
	LockOverride    bool       `db:"lock_override"`
	ReturnedQtyRaw  []byte     `db:"returned_qty"`
	ConsignmentID   string     `db:"consignment_id"`
	LabelPublicURL  string     `db:"label_public_url"`
	LabelPrivateURL string     `db:"label_private_url"`
	LabelFile       string     `db:"label_file"`
	LabelValidUntil *time.Time `db:"label_valid_until"`
	LastRegenAt     *time.Time `db:"last_regen_at"`
	RefundMethod    string     `db:"refund_method"`
	ParcelSize      string     `db:"parcel_size"`
	CarrierGroup    string     `db:"carrier_group"`
	ReturnReason    string     `db:"return_reason"`
	CreatedAt       *time.Time `db:"created_at"`
	FSUsed          bool       `db:"fs_used"`
	FSUsedAt        *time.Time `db:"fs_used_at"`
	FSNonce         string     `db:"fs_nonce"`
	Notes           string     `db:"notes"`
}

// DecodeReturnedQty unmarshals the jsonb returned-quantity map.
func DecodeReturnedQty(meta *ReturnMeta) (map[string]int, error) {
	out := map[string]int{}
	if len(meta.ReturnedQtyRaw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(meta.ReturnedQtyRaw, &out); err != nil {
		return nil, fmt.Errorf("corrupt returned_qty for order %d: %w", meta.OrderID, err)
	}
	return out, nil
}

// EncodeReturnedQty marshals the returned-quantity map back onto the record.
func EncodeReturnedQty(meta *ReturnMeta, qty map[string]int) error {
	raw, err := json.Marshal(qty)
	if err != nil {
		return err
	}
	meta.ReturnedQtyRaw = raw
	return nil
}

type ReturnLogEntry struct {
	ID          int64     `db:"id"`
	Created     time.Time `db:"created"`
	OrderID     int64     `db:"order_id"`
	Email       string    `db:"email"`
	Reason      string    `db:"reason"`
	Carrier     string    `db:"carrier"`
	ParcelSize  string    `db:"parcel_size"`
	LabelURL    string    `db:"label_url"`
	TrackingURL string    `db:"tracking_url"`
	FSNonce     string    `db:"fs_nonce"`
	NewOrderID  *int64    `db:"new_order_id"`
}

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "CREATED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusFailed     TaskStatus = "FAILED"
)

type OutboxTask struct {
	ID          uuid.UUID  `db:"id"`
	Status      TaskStatus `db:"status"`
	Payload     []byte     `db:"payload"`
	Topic       string     `db:"topic"`
	Attempts    int        `db:"attempts"`
	LastError   *string    `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}
