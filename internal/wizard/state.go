package wizard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
)

const stateTTL = 30 * time.Minute

// State is the PRG payload threaded through the wizard. It is resumed
// from a server-side token or a client echo; business invariants are
// always re-validated against the backend, never trusted from here.
type State struct {
	OrderID           int64          `json:"order_id"`
	Email             string         `json:"email"`
	Lines             map[string]int `json:"lines"`
	Service           string         `json:"service"`
	Agreement         string         `json:"agreement"`
	ParcelSize        string         `json:"parcel_size"`
	ReturnNote        string         `json:"return_note"`
	CarrierGroup      string         `json:"carrier_group"`
	AcceptTerms       bool           `json:"accept_terms"`
	RefundMethod      string         `json:"refund_method"`
	ReturnReason      string         `json:"return_reason"`
	ReturnReasonOther string         `json:"return_reason_other,omitempty"`

	// terminal-view fields
	Done            bool   `json:"done,omitempty"`
	SuccessLabelURL string `json:"success_label,omitempty"`
	SuccessTracking string `json:"success_tracking,omitempty"`
	ValidDays       int    `json:"valid_days,omitempty"`
	RegenToken      string `json:"regen_token,omitempty"`
	BonusURL        string `json:"bonus_url,omitempty"`
}

func defaultState() *State {
	return &State{
		Lines:        map[string]int{},
		ParcelSize:   ParcelSmall,
		CarrierGroup: GroupPostnord,
		RefundMethod: RefundGiftcard,
	}
}

// StateStore persists wizard state under random opaque tokens with a
// short TTL. Tokens are single-transition: every save mints a new one.
type StateStore struct {
	store kv.Store
}

func NewStateStore(store kv.Store) *StateStore {
	return &StateStore{store: store}
}

func (s *StateStore) Save(ctx context.Context, st *State) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	raw, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, "rtn:state:"+token, string(raw), stateTTL); err != nil {
		return "", err
	}
	return token, nil
}

// Load returns nil for unknown or expired tokens; the caller falls back
// to defaults.
func (s *StateStore) Load(ctx context.Context, token string) (*State, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := s.store.Get(ctx, "rtn:state:"+token)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

// Resolve layers token state and the client echo over defaults, in that
// order. The echo only matters for same-step redisplay; anything it
// claims gets re-validated against the backend anyway.
func (s *StateStore) Resolve(ctx context.Context, token string, clientEcho json.RawMessage) (*State, error) {
	st := defaultState()

	if fromToken, err := s.Load(ctx, token); err != nil {
		return nil, err
	} else if fromToken != nil {
		*st = *fromToken
	}

	if len(clientEcho) > 0 {
		// a malformed echo is ignored, not fatal
		_ = json.Unmarshal(clientEcho, st)
	}

	if st.Lines == nil {
		st.Lines = map[string]int{}
	}
	return st, nil
}
