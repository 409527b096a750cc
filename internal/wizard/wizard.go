// Package wizard drives the four-step return flow: identify order,
// select line items, pick carrier/service, confirm and commit. Every
// valid transition re-persists state under a fresh token and answers
// with a redirect target (Post/Redirect/Get).
package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/bonus"
	"github.com/lilleprinsen-dotcom/Returportal/internal/cargonizer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/db"
	"github.com/lilleprinsen-dotcom/Returportal/internal/mailer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/metrics"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository"
	"github.com/lilleprinsen-dotcom/Returportal/internal/returns"
	"github.com/lilleprinsen-dotcom/Returportal/internal/token"
)

const (
	StepIdentify = 1
	StepLines    = 2
	StepCarrier  = 3
	StepConfirm  = 4
	StepDone     = 999
)

const (
	ParcelSmall    = "small"
	ParcelLarge    = "large"
	ParcelOversize = "oversize"

	GroupPosten   = "posten"
	GroupPostnord = "postnord"
	GroupOversize = "oversize"

	RefundGiftcard = "giftcard"
	RefundOriginal = "original"
)

// Resubmissions inside this window reuse the fresh label instead of
// creating a duplicate consignment.
const duplicateWindow = 120 * time.Second

const formTokenTTL = 12 * time.Hour

// Customer-facing messages. Step-1 rejections collapse to msgBadCombo so
// order existence never leaks; window and country get distinct messages.
const (
	msgBadRequest   = "Ugyldig forespørsel."
	msgTooMany      = "For mange forsøk, prøv igjen om litt."
	msgBadCombo     = "Kombinasjonen av ordrenummer og e-post er ikke gyldig for retur."
	msgOnlyNorway   = "Vi støtter for øyeblikket kun returer fra Norge."
	msgLocked       = "Det er allerede opprettet en retur for denne ordren."
	msgOrderMissing = "Ordre mangler."
	msgPickLines    = "Velg minst ett produkt å returnere."
	msgPickService  = "Velg frakttjeneste."
	msgAcceptTerms  = "Du må godta returvilkårene for å fortsette."
)

type orderSource interface {
	GetByID(ctx context.Context, id int64) (*repository.Order, error)
	GetByNumber(ctx context.Context, number string) (*repository.Order, error)
	GetLines(ctx context.Context, orderID int64) ([]*repository.OrderLine, error)
}

type metaStore interface {
	Get(ctx context.Context, orderID int64) (*repository.ReturnMeta, error)
	Upsert(ctx context.Context, meta *repository.ReturnMeta) error
	UpsertTx(ctx context.Context, tx db.Tx, meta *repository.ReturnMeta) error
	AppendNote(ctx context.Context, orderID int64, note string) error
}

type auditSink interface {
	CreateTx(ctx context.Context, tx db.Tx, entry *repository.ReturnLogEntry) error
}

type taskSink interface {
	CreateTx(ctx context.Context, tx db.Tx, task *repository.OutboxTask) error
}

type consignmentBuilder interface {
	Build(ctx context.Context, in returns.BuildInput) (*returns.BuildResult, error)
	RefreshLabel(ctx context.Context, consignmentID, fallbackURL string) (publicURL, filename string, ok bool)
}

type bonusEngine interface {
	Grant(ctx context.Context, w http.ResponseWriter, remoteAddr string) (string, time.Time, error)
	ActivationURL(remoteAddr, redirect string) string
}

type attemptLimiter interface {
	Allow(ctx context.Context, keyParts ...string) (bool, error)
}

type catalogSource interface {
	Fetch(ctx context.Context, filterAllowed bool) ([]cargonizer.TransportAgreement, error)
}

type Config struct {
	WindowDays      int
	AllowedStatuses []string
	LabelValidDays  int
	FeeSmall        int
	FeeLarge        int
	SupportEmail    string
	StoreName       string
	OutboxTopic     string
}

// Request is one wizard POST, decoded by the HTTP layer.
type Request struct {
	Step        int
	Token       string
	ClientState json.RawMessage
	FormToken   string
	Honeypot    string
	Back        bool
	RemoteAddr  string
	IsAdmin     bool

	OrderNumber       string
	Email             string
	Quantities        map[string]int
	ParcelSize        string
	CarrierGroup      string
	Service           string
	Agreement         string
	ReturnNote        string
	RefundMethod      string
	AcceptTerms       bool
	ReturnReason      string
	ReturnReasonOther string
}

// Transition is the outcome of a POST: either a redirect to the next
// step under a fresh token, or inline errors with the echoed state. The
// step never regresses automatically on error.
type Transition struct {
	NextStep int
	Token    string
	Errors   []string
	State    *State
}

func (t *Transition) Redirects() bool { return len(t.Errors) == 0 && t.Token != "" }

type Wizard struct {
	orders   orderSource
	meta     metaStore
	audit    auditSink
	tasks    taskSink
	database db.DB
	states   *StateStore
	limiter  attemptLimiter
	regenLim attemptLimiter
	builder  consignmentBuilder
	bonus    bonusEngine
	catalog  catalogSource
	mail     mailer.Mailer
	signer   *token.Signer
	cfg      Config
	logger   *zap.Logger
	timeNow  func() time.Time
}

func New(
	orders orderSource,
	meta metaStore,
	audit auditSink,
	tasks taskSink,
	database db.DB,
	states *StateStore,
	limiter attemptLimiter,
	regenLim attemptLimiter,
	builder consignmentBuilder,
	bonusEng bonusEngine,
	catalog catalogSource,
	mail mailer.Mailer,
	signer *token.Signer,
	cfg Config,
	logger *zap.Logger,
) *Wizard {
	return &Wizard{
		orders:   orders,
		meta:     meta,
		audit:    audit,
		tasks:    tasks,
		database: database,
		states:   states,
		limiter:  limiter,
		regenLim: regenLim,
		builder:  builder,
		bonus:    bonusEng,
		catalog:  catalog,
		mail:     mail,
		signer:   signer,
		cfg:      cfg,
		logger:   logger,
		timeNow:  time.Now,
	}
}

// FormToken issues the anti-forgery token rendered into every step form.
func (wz *Wizard) FormToken() string {
	exp := wz.timeNow().Add(formTokenTTL).Unix()
	return wz.signer.Sign("form", strconv.FormatInt(exp, 10))
}

func (wz *Wizard) verifyFormToken(tok string) bool {
	parts, err := wz.signer.Parse(tok, 2)
	if err != nil || parts[0] != "form" {
		return false
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	return err == nil && wz.timeNow().Unix() <= exp
}

// View resolves state for a GET rendering of a step.
func (wz *Wizard) View(ctx context.Context, tok string) (*State, error) {
	return wz.states.Resolve(ctx, tok, nil)
}

// Submit runs one wizard POST. The ResponseWriter is only touched on
// completion, for the free-shipping bonus cookie.
func (wz *Wizard) Submit(ctx context.Context, w http.ResponseWriter, req *Request) (*Transition, error) {
	st, err := wz.states.Resolve(ctx, req.Token, req.ClientState)
	if err != nil {
		return nil, err
	}

	// security failures stay generic: no hint what tripped
	if !wz.verifyFormToken(req.FormToken) || req.Honeypot != "" {
		return &Transition{NextStep: req.Step, Errors: []string{msgBadRequest}, State: st}, nil
	}

	switch req.Step {
	case StepIdentify:
		return wz.submitIdentify(ctx, req, st)
	case StepLines:
		return wz.submitLines(ctx, req, st)
	case StepCarrier:
		return wz.submitCarrier(ctx, req, st)
	case StepConfirm:
		return wz.submitConfirm(ctx, w, req, st)
	default:
		return &Transition{NextStep: StepIdentify, Errors: []string{msgBadRequest}, State: st}, nil
	}
}

func (wz *Wizard) redirect(ctx context.Context, step int, st *State) (*Transition, error) {
	tok, err := wz.states.Save(ctx, st)
	if err != nil {
		return nil, err
	}
	return &Transition{NextStep: step, Token: tok, State: st}, nil
}

func (wz *Wizard) stay(step int, st *State, msgs ...string) *Transition {
	return &Transition{NextStep: step, Errors: msgs, State: st}
}

/* ----- step 1: identify order ----- */

func (wz *Wizard) statusAllowed(status string) bool {
	for _, s := range wz.cfg.AllowedStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// returnDeadline reports whether the order is still inside the return
// window and the formatted deadline when it is not.
func (wz *Wizard) returnDeadline(order *repository.Order, meta *repository.ReturnMeta) (expired bool, deadline string) {
	if wz.cfg.WindowDays <= 0 {
		return false, ""
	}
	if meta != nil && meta.LockOverride {
		return false, ""
	}
	d := order.WindowAnchor().AddDate(0, 0, wz.cfg.WindowDays)
	if wz.timeNow().After(d) {
		return true, d.Format("02.01.2006 15:04")
	}
	return false, ""
}

func (wz *Wizard) lockedForReturns(meta *repository.ReturnMeta, isAdmin bool) bool {
	if isAdmin || meta == nil || meta.LockOverride {
		return false
	}
	return meta.Locked
}

func (wz *Wizard) submitIdentify(ctx context.Context, req *Request, st *State) (*Transition, error) {
	ok, err := wz.limiter.Allow(ctx, req.RemoteAddr)
	if err != nil {
		wz.logger.Warn("rate limit check failed", zap.Error(err))
	}
	if !ok {
		return wz.stay(StepIdentify, st, msgTooMany), nil
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	order, err := wz.orders.GetByNumber(ctx, req.OrderNumber)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			return wz.stay(StepIdentify, st, msgBadCombo), nil
		}
		return nil, err
	}
	if strings.ToLower(order.BillingEmail) != email {
		return wz.stay(StepIdentify, st, msgBadCombo), nil
	}
	if !order.Paid || !wz.statusAllowed(order.Status) {
		return wz.stay(StepIdentify, st, msgBadCombo), nil
	}
	if strings.ToUpper(order.Country()) != "NO" {
		return wz.stay(StepIdentify, st, msgOnlyNorway), nil
	}

	meta, err := wz.meta.Get(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if wz.lockedForReturns(meta, req.IsAdmin) {
		return wz.stay(StepIdentify, st, msgLocked), nil
	}
	if expired, deadline := wz.returnDeadline(order, meta); expired {
		return wz.stay(StepIdentify, st, fmt.Sprintf("Returfristen er utløpt. Fristen var: %s.", deadline)), nil
	}

	st.OrderID = order.ID
	st.Email = email
	return wz.redirect(ctx, StepLines, st)
}

/* ----- step 2: select line items ----- */

func (wz *Wizard) submitLines(ctx context.Context, req *Request, st *State) (*Transition, error) {
	if st.OrderID == 0 {
		return wz.stay(StepLines, st, msgOrderMissing), nil
	}
	lines, err := wz.orders.GetLines(ctx, st.OrderID)
	if err != nil {
		return nil, err
	}
	meta, err := wz.meta.Get(ctx, st.OrderID)
	if err != nil {
		return nil, err
	}
	already, err := repository.DecodeReturnedQty(meta)
	if err != nil {
		wz.logger.Warn("ignoring corrupt returned-quantity map", zap.Int64("order_id", st.OrderID), zap.Error(err))
		already = map[string]int{}
	}

	byID := make(map[string]*repository.OrderLine, len(lines))
	for _, l := range lines {
		byID[strconv.FormatInt(l.ID, 10)] = l
	}

	selected := map[string]int{}
	for id, qty := range req.Quantities {
		line, ok := byID[id]
		if !ok {
			continue
		}
		remaining := line.Quantity - already[id]
		if remaining < 0 {
			remaining = 0
		}
		q := qty
		if q < 0 {
			q = 0
		}
		if q > remaining {
			q = remaining
		}
		if q > 0 {
			selected[id] = q
		}
	}
	st.Lines = selected

	if req.Back {
		return wz.redirect(ctx, StepIdentify, st)
	}
	if len(selected) == 0 {
		return wz.stay(StepLines, st, msgPickLines), nil
	}
	return wz.redirect(ctx, StepCarrier, st)
}

/* ----- step 3: carrier, service, parcel size ----- */

func oneOf(v, fallback string, allowed ...string) string {
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}

// carrierGroupOf buckets an agreement by carrier name; everything that is
// not PostNord rides with Posten.
func carrierGroupOf(carrierName string) string {
	if strings.Contains(strings.ToLower(carrierName), "postnord") {
		return GroupPostnord
	}
	return GroupPosten
}

func otherGroup(group string) string {
	if group == GroupPosten {
		return GroupPostnord
	}
	return GroupPosten
}

func (wz *Wizard) submitCarrier(ctx context.Context, req *Request, st *State) (*Transition, error) {
	st.ParcelSize = oneOf(req.ParcelSize, ParcelSmall, ParcelSmall, ParcelLarge, ParcelOversize)
	st.CarrierGroup = oneOf(req.CarrierGroup, GroupPostnord, GroupPosten, GroupPostnord, GroupOversize)
	st.Service = strings.TrimSpace(req.Service)
	st.Agreement = strings.TrimSpace(req.Agreement)
	st.ReturnNote = strings.TrimSpace(req.ReturnNote)

	if req.Back {
		return wz.redirect(ctx, StepLines, st)
	}

	// JS-disabled fallback: an empty group falls back to the other one,
	// and a group with exactly one allowed service gets it selected
	// server-side.
	if st.ParcelSize != ParcelOversize && (st.Service == "" || st.Agreement == "") {
		if allowed, err := wz.catalog.Fetch(ctx, true); err == nil {
			type pair struct{ agreement, product string }
			groups := map[string][]pair{}
			for _, ag := range allowed {
				g := carrierGroupOf(ag.CarrierName)
				for _, p := range ag.Products {
					groups[g] = append(groups[g], pair{ag.ID, p.ID})
				}
			}
			if other := otherGroup(st.CarrierGroup); len(groups[st.CarrierGroup]) == 0 && len(groups[other]) > 0 {
				st.CarrierGroup = other
			}
			if candidates := groups[st.CarrierGroup]; len(candidates) == 1 {
				st.Agreement = candidates[0].agreement
				st.Service = candidates[0].product
			}
		} else {
			wz.logger.Warn("catalog unavailable for service auto-select", zap.Error(err))
		}
	}

	if st.ParcelSize != ParcelOversize && (st.Service == "" || st.Agreement == "") {
		return wz.stay(StepCarrier, st, msgPickService), nil
	}
	return wz.redirect(ctx, StepConfirm, st)
}

/* ----- step 4: confirm and commit ----- */

func (wz *Wizard) submitConfirm(ctx context.Context, w http.ResponseWriter, req *Request, st *State) (*Transition, error) {
	st.RefundMethod = oneOf(req.RefundMethod, RefundGiftcard, RefundGiftcard, RefundOriginal)
	st.AcceptTerms = req.AcceptTerms
	st.ReturnReason = strings.TrimSpace(req.ReturnReason)
	st.ReturnReasonOther = strings.TrimSpace(req.ReturnReasonOther)

	if req.Back {
		return wz.redirect(ctx, StepCarrier, st)
	}
	if !st.AcceptTerms {
		return wz.stay(StepConfirm, st, msgAcceptTerms), nil
	}
	if st.OrderID == 0 {
		return wz.stay(StepConfirm, st, msgOrderMissing), nil
	}

	order, err := wz.orders.GetByID(ctx, st.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			return wz.stay(StepConfirm, st, msgOrderMissing), nil
		}
		return nil, err
	}

	// lock re-check right before commit, the race guard against
	// concurrent duplicate submissions
	meta, err := wz.meta.Get(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if wz.lockedForReturns(meta, req.IsAdmin) {
		// a resubmission moments after success reuses the fresh label
		if tr, ok, err := wz.duplicateShortCircuit(ctx, meta, st); ok || err != nil {
			return tr, err
		}
		return wz.stay(StepConfirm, st, msgLocked), nil
	}
	if tr, ok, err := wz.duplicateShortCircuit(ctx, meta, st); ok || err != nil {
		return tr, err
	}

	reason := st.ReturnReason
	if strings.EqualFold(reason, "annet") && st.ReturnReasonOther != "" {
		reason += ": " + st.ReturnReasonOther
	}

	if st.ParcelSize == ParcelOversize {
		return wz.commitOversize(ctx, w, req, st, order, meta, reason)
	}
	return wz.commitConsignment(ctx, w, req, st, order, meta, reason)
}

// duplicateShortCircuit reuses an existing still-valid label created
// within the duplicate window instead of calling the carrier again.
func (wz *Wizard) duplicateShortCircuit(ctx context.Context, meta *repository.ReturnMeta, st *State) (*Transition, bool, error) {
	if meta == nil || meta.CreatedAt == nil || meta.LabelValidUntil == nil {
		return nil, false, nil
	}
	now := wz.timeNow()
	if now.Sub(*meta.CreatedAt) >= duplicateWindow || !now.Before(*meta.LabelValidUntil) {
		return nil, false, nil
	}
	labelURL := meta.LabelPublicURL
	if labelURL == "" {
		labelURL = meta.LabelPrivateURL
	}
	if labelURL == "" {
		return nil, false, nil
	}

	st.Done = true
	st.SuccessLabelURL = labelURL
	st.ValidDays = wz.cfg.LabelValidDays
	tr, err := wz.redirect(ctx, StepDone, st)
	return tr, true, err
}

func (wz *Wizard) mergeReturnedQty(meta *repository.ReturnMeta, selected map[string]int) error {
	prev, err := repository.DecodeReturnedQty(meta)
	if err != nil {
		prev = map[string]int{}
	}
	for id, qty := range selected {
		next := prev[id] + qty
		if next < 0 {
			next = 0
		}
		prev[id] = next
	}
	return repository.EncodeReturnedQty(meta, prev)
}

func (wz *Wizard) formatLines(ctx context.Context, st *State) string {
	lines, err := wz.orders.GetLines(ctx, st.OrderID)
	if err != nil {
		return "-"
	}
	var b strings.Builder
	for _, l := range lines {
		if qty := st.Lines[strconv.FormatInt(l.ID, 10)]; qty > 0 {
			fmt.Fprintf(&b, "- %s × %d\n", l.Name, qty)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return strings.TrimRight(b.String(), "\n")
}

func refundLabel(method string) string {
	if method == RefundOriginal {
		return "Refusjon til opprinnelig betalingsmetode"
	}
	return "Gavekort"
}

type returnEvent struct {
	Type        string    `json:"type"`
	OrderID     int64     `json:"order_id"`
	Email       string    `json:"email"`
	Reason      string    `json:"reason"`
	Carrier     string    `json:"carrier"`
	ParcelSize  string    `json:"parcel_size"`
	LabelURL    string    `json:"label_url,omitempty"`
	TrackingURL string    `json:"tracking_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// commitReturn persists metadata, audit entry and the outbox event in one
// transaction.
func (wz *Wizard) commitReturn(ctx context.Context, meta *repository.ReturnMeta, st *State, order *repository.Order, reason, labelURL, trackingURL, fsNonce string) error {
	now := wz.timeNow()
	meta.Locked = true
	if fsNonce != "" {
		meta.FSNonce = fsNonce
	}
	meta.RefundMethod = st.RefundMethod
	meta.ParcelSize = st.ParcelSize
	meta.CarrierGroup = st.CarrierGroup
	if reason != "" {
		meta.ReturnReason = reason
	}
	meta.CreatedAt = &now
	if err := wz.mergeReturnedQty(meta, st.Lines); err != nil {
		return err
	}

	event := returnEvent{
		Type:        "return_created",
		OrderID:     order.ID,
		Email:       order.BillingEmail,
		Reason:      reason,
		Carrier:     st.CarrierGroup,
		ParcelSize:  st.ParcelSize,
		LabelURL:    labelURL,
		TrackingURL: trackingURL,
		CreatedAt:   now,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	tx, err := wz.database.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if err := wz.meta.UpsertTx(ctx, tx, meta); err != nil {
		return err
	}
	if err := wz.audit.CreateTx(ctx, tx, &repository.ReturnLogEntry{
		Created:     now,
		OrderID:     order.ID,
		Email:       order.BillingEmail,
		Reason:      reason,
		Carrier:     st.CarrierGroup,
		ParcelSize:  st.ParcelSize,
		LabelURL:    labelURL,
		TrackingURL: trackingURL,
		FSNonce:     fsNonce,
	}); err != nil {
		return err
	}
	if err := wz.tasks.CreateTx(ctx, tx, &repository.OutboxTask{
		Topic:   wz.cfg.OutboxTopic,
		Payload: payload,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (wz *Wizard) finishTerminal(ctx context.Context, req *Request, st *State, order *repository.Order, labelURL, trackingURL string) (*Transition, error) {
	st.Done = true
	st.SuccessLabelURL = labelURL
	st.SuccessTracking = trackingURL
	st.ValidDays = wz.cfg.LabelValidDays
	st.RegenToken = wz.signer.IssueOrderToken(order.ID, order.BillingEmail, 24*time.Hour)
	st.BonusURL = wz.bonus.ActivationURL(req.RemoteAddr, "")
	metrics.ReturnsCreatedTotal.WithLabelValues(st.ParcelSize).Inc()
	return wz.redirect(ctx, StepDone, st)
}

// commitOversize handles parcels the carriers will not take: support is
// notified for manual handling, no consignment is created, but the order
// is locked and the bonus granted like any other return.
func (wz *Wizard) commitOversize(ctx context.Context, w http.ResponseWriter, req *Request, st *State, order *repository.Order, meta *repository.ReturnMeta, reason string) (*Transition, error) {
	fsNonce, _, err := wz.bonus.Grant(ctx, w, req.RemoteAddr)
	if err != nil {
		wz.logger.Warn("bonus grant failed", zap.Error(err))
	}

	if err := wz.commitReturn(ctx, meta, st, order, reason, "", "", fsNonce); err != nil {
		return nil, err
	}

	linesText := wz.formatLines(ctx, st)
	body := fmt.Sprintf(
		"Forespørsel om retur (overdimensjonert)\nOrdre: #%d\nKunde: %s %s <%s>\nTelefon: %s\nAdresse: %s %s %s\nProdukter:\n%s\nÅrsak: %s\nMelding: %s\nBehandling: %s\n",
		order.ID, order.BillingFirstName, order.BillingLastName, order.BillingEmail,
		order.BillingPhone, order.BillingAddress1, order.BillingPostcode, order.BillingCity,
		linesText, orDash(reason), orDash(st.ReturnNote), refundLabel(st.RefundMethod),
	)
	subject := fmt.Sprintf("Retur – overdimensjonert forespørsel (ordre #%d)", order.ID)
	if err := wz.mail.Send(ctx, wz.cfg.SupportEmail, subject, body); err != nil {
		wz.logger.Warn("support notification failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	note := fmt.Sprintf("Retur forespurt (overdimensjonert).\nProdukter:\n%s\nÅrsak: %s\nReturmelding: %s\nBehandling: %s",
		linesText, orDash(reason), st.ReturnNote, refundLabel(st.RefundMethod))
	if err := wz.meta.AppendNote(ctx, order.ID, note); err != nil {
		wz.logger.Warn("order note failed", zap.Error(err))
	}

	return wz.finishTerminal(ctx, req, st, order, "", "")
}

func (wz *Wizard) commitConsignment(ctx context.Context, w http.ResponseWriter, req *Request, st *State, order *repository.Order, meta *repository.ReturnMeta, reason string) (*Transition, error) {
	lines, err := wz.orders.GetLines(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	res, err := wz.builder.Build(ctx, returns.BuildInput{
		Order:       order,
		Lines:       lines,
		Returned:    st.Lines,
		AgreementID: st.Agreement,
		ProductID:   st.Service,
	})
	if err != nil {
		// the carrier-diagnosed error surfaces inline; customers only see
		// the generic variant
		var cerr *cargonizer.Error
		if errors.As(err, &cerr) {
			metrics.CarrierErrorsTotal.WithLabelValues(string(cerr.Kind)).Inc()
			msg := cerr.CustomerMessage()
			if req.IsAdmin {
				msg = cerr.Admin
			}
			return wz.stay(StepConfirm, st, msg), nil
		}
		if errors.Is(err, returns.ErrServiceNotAllowed) || errors.Is(err, returns.ErrStoreAddressMissing) {
			return wz.stay(StepConfirm, st, err.Error()), nil
		}
		return nil, err
	}

	labelURL := res.PublicLabelURL
	if labelURL == "" {
		labelURL = res.LabelURL
	}

	fsNonce, _, err := wz.bonus.Grant(ctx, w, req.RemoteAddr)
	if err != nil {
		wz.logger.Warn("bonus grant failed", zap.Error(err))
	}

	validUntil := wz.timeNow().AddDate(0, 0, wz.cfg.LabelValidDays)
	meta.ConsignmentID = res.ConsignmentID
	meta.LabelPublicURL = res.PublicLabelURL
	meta.LabelPrivateURL = res.LabelURL
	meta.LabelFile = res.LabelFile
	meta.LabelValidUntil = &validUntil
	if err := wz.commitReturn(ctx, meta, st, order, reason, labelURL, res.TrackingURL, fsNonce); err != nil {
		return nil, err
	}

	if res.TransferNote != "" {
		if err := wz.meta.AppendNote(ctx, order.ID, res.TransferNote); err != nil {
			wz.logger.Warn("order note failed", zap.Error(err))
		}
	}

	fee := wz.cfg.FeeSmall
	if st.ParcelSize == ParcelLarge {
		fee = wz.cfg.FeeLarge
	}
	linesText := wz.formatLines(ctx, st)

	var note strings.Builder
	note.WriteString("Retur opprettet.\n")
	if res.TrackingURL != "" {
		note.WriteString("Sporing: " + res.TrackingURL + "\n")
	}
	if labelURL != "" {
		note.WriteString("Etikett: " + labelURL + "\n")
	}
	fmt.Fprintf(&note, "Returavgift (anslag): kr %d\n", fee)
	fmt.Fprintf(&note, "Produkter:\n%s\n", linesText)
	fmt.Fprintf(&note, "Årsak: %s\n", orDash(reason))
	if st.ReturnNote != "" {
		fmt.Fprintf(&note, "Returmelding: %s\n", st.ReturnNote)
	}
	fmt.Fprintf(&note, "Behandling: %s\n", refundLabel(st.RefundMethod))
	fmt.Fprintf(&note, "Etiketten er gyldig i %d dager fra i dag.", wz.cfg.LabelValidDays)
	if err := wz.meta.AppendNote(ctx, order.ID, note.String()); err != nil {
		wz.logger.Warn("order note failed", zap.Error(err))
	}

	wz.sendConfirmation(ctx, order, st, labelURL, res.TrackingURL, fee, linesText)

	return wz.finishTerminal(ctx, req, st, order, labelURL, res.TrackingURL)
}

// sendConfirmation mails the customer; delivery failure never fails the
// return.
func (wz *Wizard) sendConfirmation(ctx context.Context, order *repository.Order, st *State, labelURL, trackingURL string, fee int, linesText string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Hei %s,\n\n", order.BillingFirstName)
	fmt.Fprintf(&b, "Returen din for ordre #%d er registrert.\n\n", order.ID)
	if labelURL != "" {
		fmt.Fprintf(&b, "Returetikett: %s\n", labelURL)
	}
	if trackingURL != "" {
		fmt.Fprintf(&b, "Sporing: %s\n", trackingURL)
	}
	fmt.Fprintf(&b, "Returavgift (anslag): kr %d\n\n", fee)
	fmt.Fprintf(&b, "Produkter:\n%s\n\n", linesText)
	fmt.Fprintf(&b, "Behandling: %s\n", refundLabel(st.RefundMethod))
	fmt.Fprintf(&b, "Etiketten er gyldig i %d dager fra i dag.\n\nMvh %s", wz.cfg.LabelValidDays, wz.cfg.StoreName)

	subject := fmt.Sprintf("Returetikett for ordre #%d", order.ID)
	if err := wz.mail.Send(ctx, order.BillingEmail, subject, b.String()); err != nil {
		wz.logger.Warn("customer confirmation failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var _ bonusEngine = (*bonus.Engine)(nil)
