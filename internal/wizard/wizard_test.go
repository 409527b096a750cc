package wizard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/cargonizer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/db"
	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository"
	"github.com/lilleprinsen-dotcom/Returportal/internal/returns"
	"github.com/lilleprinsen-dotcom/Returportal/internal/token"
)

/* ----- stubs ----- */

type stubOrders struct {
	orders map[int64]*repository.Order
	lines  map[int64][]*repository.OrderLine
}

func (s *stubOrders) GetByID(_ context.Context, id int64) (*repository.Order, error) {
	if o, ok := s.orders[id]; ok {
		return o, nil
	}
	return nil, repository.ErrObjectNotFound
}

func (s *stubOrders) GetByNumber(_ context.Context, number string) (*repository.Order, error) {
	for _, o := range s.orders {
		if o.Number == number {
			return o, nil
		}
	}
	return nil, repository.ErrObjectNotFound
}

func (s *stubOrders) GetLines(_ context.Context, orderID int64) ([]*repository.OrderLine, error) {
	return s.lines[orderID], nil
}

type stubMeta struct {
	records map[int64]*repository.ReturnMeta
	notes   []string
	upserts int
}

func (s *stubMeta) Get(_ context.Context, orderID int64) (*repository.ReturnMeta, error) {
	if m, ok := s.records[orderID]; ok {
		cp := *m
		return &cp, nil
	}
	return &repository.ReturnMeta{OrderID: orderID}, nil
}

func (s *stubMeta) store(meta *repository.ReturnMeta) {
	cp := *meta
	s.records[meta.OrderID] = &cp
	s.upserts++
}

func (s *stubMeta) Upsert(_ context.Context, meta *repository.ReturnMeta) error {
	s.store(meta)
	return nil
}

func (s *stubMeta) UpsertTx(_ context.Context, _ db.Tx, meta *repository.ReturnMeta) error {
	s.store(meta)
	return nil
}

func (s *stubMeta) AppendNote(_ context.Context, _ int64, note string) error {
	s.notes = append(s.notes, note)
	return nil
}

type stubAudit struct {
	entries []*repository.ReturnLogEntry
}

func (s *stubAudit) CreateTx(_ context.Context, _ db.Tx, entry *repository.ReturnLogEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

type stubTasks struct {
	tasks []*repository.OutboxTask
}

func (s *stubTasks) CreateTx(_ context.Context, _ db.Tx, task *repository.OutboxTask) error {
	s.tasks = append(s.tasks, task)
	return nil
}

type stubTx struct {
	committed  bool
	rolledBack bool
}

func (t *stubTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *stubTx) Rollback(context.Context) error { t.rolledBack = true; return nil }
func (t *stubTx) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return nil, nil
}
func (t *stubTx) Get(context.Context, interface{}, string, ...interface{}) error    { return nil }
func (t *stubTx) Select(context.Context, interface{}, string, ...interface{}) error { return nil }

type stubDB struct {
	txs []*stubTx
}

func (s *stubDB) Get(context.Context, interface{}, string, ...interface{}) error    { return nil }
func (s *stubDB) Select(context.Context, interface{}, string, ...interface{}) error { return nil }
func (s *stubDB) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return nil, nil
}
func (s *stubDB) ExecQueryRow(context.Context, string, ...interface{}) pgx.Row { return nil }
func (s *stubDB) BeginTx(context.Context) (db.Tx, error) {
	tx := &stubTx{}
	s.txs = append(s.txs, tx)
	return tx, nil
}

type stubBuilder struct {
	builds      int
	lastInput   returns.BuildInput
	res         *returns.BuildResult
	err         error
	refreshURL  string
	refreshFile string
	refreshOK   bool
}

func (s *stubBuilder) Build(_ context.Context, in returns.BuildInput) (*returns.BuildResult, error) {
	s.builds++
	s.lastInput = in
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func (s *stubBuilder) RefreshLabel(_ context.Context, _, _ string) (string, string, bool) {
	return s.refreshURL, s.refreshFile, s.refreshOK
}

type stubBonus struct {
	grants int
}

func (s *stubBonus) Grant(context.Context, http.ResponseWriter, string) (string, time.Time, error) {
	s.grants++
	return "nonce123", time.Now().Add(time.Hour), nil
}

func (s *stubBonus) ActivationURL(string, string) string {
	return "https://butikk.example.no/?lp_fs=tok"
}

type stubLimiter struct {
	allow bool
	calls int
}

func (s *stubLimiter) Allow(context.Context, ...string) (bool, error) {
	s.calls++
	return s.allow, nil
}

type stubCatalog struct {
	agreements []cargonizer.TransportAgreement
	err        error
}

func (s *stubCatalog) Fetch(context.Context, bool) ([]cargonizer.TransportAgreement, error) {
	return s.agreements, s.err
}

type stubMailer struct {
	to       []string
	subjects []string
	bodies   []string
}

func (s *stubMailer) Send(_ context.Context, to, subject, body string) error {
	s.to = append(s.to, to)
	s.subjects = append(s.subjects, subject)
	s.bodies = append(s.bodies, body)
	return nil
}

/* ----- fixture ----- */

type fixture struct {
	wz      *Wizard
	orders  *stubOrders
	meta    *stubMeta
	audit   *stubAudit
	tasks   *stubTasks
	dbh     *stubDB
	builder *stubBuilder
	bonus   *stubBonus
	mails   *stubMailer
	limiter *stubLimiter
	regen   *stubLimiter
	states  *StateStore
	signer  *token.Signer
}

func completedOrder() *repository.Order {
	completed := time.Now().Add(-48 * time.Hour)
	return &repository.Order{
		ID: 1200, Number: "1200", Status: "completed", Paid: true,
		BillingFirstName: "Kari", BillingLastName: "Nordmann",
		BillingAddress1: "Storgata 1", BillingPostcode: "0155",
		BillingCity: "Oslo", BillingCountry: "NO",
		BillingPhone: "99999999", BillingEmail: "kari@example.no",
		CompletedAt: &completed, CreatedAt: completed.Add(-time.Hour),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders: &stubOrders{
			orders: map[int64]*repository.Order{1200: completedOrder()},
			lines: map[int64][]*repository.OrderLine{1200: {
				{ID: 10, OrderID: 1200, Name: "Genser", Quantity: 2, WeightKg: 0.4},
				{ID: 11, OrderID: 1200, Name: "Bukse", Quantity: 1, WeightKg: 0.6},
			}},
		},
		meta:  &stubMeta{records: map[int64]*repository.ReturnMeta{}},
		audit: &stubAudit{},
		tasks: &stubTasks{},
		dbh:   &stubDB{},
		builder: &stubBuilder{res: &returns.BuildResult{
			ConsignmentID:  "555",
			LabelURL:       "https://api.cargonizer.no/l/555.pdf",
			PublicLabelURL: "https://portal.example.no/labels/label-x.pdf",
			LabelFile:      "label-x.pdf",
			TrackingURL:    "https://sporing.example/555",
		}},
		bonus:   &stubBonus{},
		mails:   &stubMailer{},
		limiter: &stubLimiter{allow: true},
		regen:   &stubLimiter{allow: true},
		states:  NewStateStore(kv.NewMemoryStore()),
		signer:  token.NewSigner("test-secret"),
	}
	f.wz = New(
		f.orders, f.meta, f.audit, f.tasks, f.dbh, f.states,
		f.limiter, f.regen, f.builder, f.bonus,
		&stubCatalog{}, f.mails, f.signer,
		Config{
			WindowDays:      60,
			AllowedStatuses: []string{"completed", "processing"},
			LabelValidDays:  14,
			FeeSmall:        79,
			FeeLarge:        149,
			SupportEmail:    "support@example.no",
			StoreName:       "Lilleprinsen",
			OutboxTopic:     "return_events",
		},
		zap.NewNop(),
	)
	return f
}

func (f *fixture) request(step int, tok string) *Request {
	return &Request{
		Step:       step,
		Token:      tok,
		FormToken:  f.wz.FormToken(),
		RemoteAddr: "203.0.113.9:44321",
	}
}

func (f *fixture) submit(t *testing.T, req *Request) *Transition {
	t.Helper()
	tr, err := f.wz.Submit(context.Background(), httptest.NewRecorder(), req)
	require.NoError(t, err)
	return tr
}

func (f *fixture) savedState(t *testing.T, tok string) *State {
	t.Helper()
	st, err := f.states.Load(context.Background(), tok)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func (f *fixture) confirmState(t *testing.T) string {
	t.Helper()
	tok, err := f.states.Save(context.Background(), &State{
		OrderID:      1200,
		Email:        "kari@example.no",
		Lines:        map[string]int{"10": 1},
		Agreement:    "123",
		Service:      "servicepakke",
		ParcelSize:   ParcelSmall,
		CarrierGroup: GroupPosten,
	})
	require.NoError(t, err)
	return tok
}

/* ----- step 1 ----- */

func TestIdentifyAcceptsValidCombination(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.request(StepIdentify, "")
	req.OrderNumber = "1200"
	req.Email = " Kari@Example.NO "

	tr := f.submit(t, req)
	require.True(t, tr.Redirects())
	assert.Equal(t, StepLines, tr.NextStep)

	st := f.savedState(t, tr.Token)
	assert.Equal(t, int64(1200), st.OrderID)
	assert.Equal(t, "kari@example.no", st.Email)
}

func TestIdentifyCollapsesRejectionsToGenericMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	unpaid := completedOrder()
	unpaid.ID, unpaid.Number, unpaid.Paid = 1300, "1300", false
	refunded := completedOrder()
	refunded.ID, refunded.Number, refunded.Status = 1400, "1400", "refunded"
	f.orders.orders[1300] = unpaid
	f.orders.orders[1400] = refunded

	cases := []struct {
		name, number, email string
	}{
		{"unknown order", "9999", "kari@example.no"},
		{"wrong email", "1200", "other@example.no"},
		{"unpaid", "1300", "kari@example.no"},
		{"disallowed status", "1400", "kari@example.no"},
	}
	for _, tc := range cases {
		req := f.request(StepIdentify, "")
		req.OrderNumber, req.Email = tc.number, tc.email
		tr := f.submit(t, req)
		assert.Equal(t, []string{msgBadCombo}, tr.Errors, tc.name)
		assert.False(t, tr.Redirects(), tc.name)
	}
}

func TestIdentifyRejectsForeignOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	foreign := completedOrder()
	foreign.ID, foreign.Number, foreign.BillingCountry = 1500, "1500", "SE"
	f.orders.orders[1500] = foreign

	req := f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1500", "kari@example.no"
	tr := f.submit(t, req)
	assert.Equal(t, []string{msgOnlyNorway}, tr.Errors)
}

func TestIdentifyRejectsLockedOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.meta.records[1200] = &repository.ReturnMeta{OrderID: 1200, Locked: true}

	req := f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1200", "kari@example.no"
	tr := f.submit(t, req)
	assert.Equal(t, []string{msgLocked}, tr.Errors)

	// the admin override reopens the order
	f.meta.records[1200].LockOverride = true
	tr = f.submit(t, req)
	assert.True(t, tr.Redirects())
}

func TestIdentifyExpiredWindowNamesDeadline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := completedOrder()
	completed := time.Now().AddDate(0, 0, -100)
	old.CompletedAt = &completed

	f.orders.orders[1200] = old
	deadline := completed.AddDate(0, 0, 60).Format("02.01.2006 15:04")

	req := f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1200", "kari@example.no"
	tr := f.submit(t, req)
	require.Len(t, tr.Errors, 1)
	assert.Equal(t, "Returfristen er utløpt. Fristen var: "+deadline+".", tr.Errors[0])
}

func TestIdentifyRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.limiter.allow = false

	req := f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1200", "kari@example.no"
	tr := f.submit(t, req)
	assert.Equal(t, []string{msgTooMany}, tr.Errors)
}

func TestHoneypotAndFormTokenReject(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1200", "kari@example.no"
	req.Honeypot = "https://spam.example"
	tr := f.submit(t, req)
	assert.Equal(t, []string{msgBadRequest}, tr.Errors)

	req = f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1200", "kari@example.no"
	req.FormToken = "garbage"
	tr = f.submit(t, req)
	assert.Equal(t, []string{msgBadRequest}, tr.Errors)
}

/* ----- step 2 ----- */

func TestLinesClampToRemainingQuantity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	prev := &repository.ReturnMeta{OrderID: 1200}
	require.NoError(t, repository.EncodeReturnedQty(prev, map[string]int{"10": 1}))
	f.meta.records[1200] = prev

	tok, err := f.states.Save(context.Background(), &State{OrderID: 1200, Lines: map[string]int{}})
	require.NoError(t, err)

	req := f.request(StepLines, tok)
	req.Quantities = map[string]int{
		"10":  5,  // only 1 of 2 still returnable
		"11":  -3, // negative is dropped
		"999": 1,  // unknown line is dropped
	}
	tr := f.submit(t, req)
	require.True(t, tr.Redirects())
	assert.Equal(t, StepCarrier, tr.NextStep)
	assert.Equal(t, map[string]int{"10": 1}, f.savedState(t, tr.Token).Lines)
}

func TestLinesRequireSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok, err := f.states.Save(context.Background(), &State{OrderID: 1200, Lines: map[string]int{}})
	require.NoError(t, err)

	req := f.request(StepLines, tok)
	req.Quantities = map[string]int{"10": 0}
	tr := f.submit(t, req)
	assert.Equal(t, []string{msgPickLines}, tr.Errors)

	req = f.request(StepLines, "")
	req.Quantities = map[string]int{"10": 1}
	tr = f.submit(t, req)
	assert.Equal(t, []string{msgOrderMissing}, tr.Errors)
}

/* ----- step 3 ----- */

func TestCarrierAutoSelectsSingleService(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	catalog := &stubCatalog{agreements: []cargonizer.TransportAgreement{{
		ID: "77", CarrierName: "PostNord AS",
		Products: []cargonizer.Product{{ID: "mypack", Name: "MyPack"}},
	}}}
	f.wz.catalog = catalog

	tok, err := f.states.Save(context.Background(), &State{OrderID: 1200, Lines: map[string]int{"10": 1}})
	require.NoError(t, err)

	req := f.request(StepCarrier, tok)
	req.ParcelSize = ParcelSmall
	req.CarrierGroup = GroupPostnord
	tr := f.submit(t, req)
	require.True(t, tr.Redirects())
	st := f.savedState(t, tr.Token)
	assert.Equal(t, "77", st.Agreement)
	assert.Equal(t, "mypack", st.Service)
}

func TestCarrierRequiresServiceUnlessOversize(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok, err := f.states.Save(context.Background(), &State{OrderID: 1200, Lines: map[string]int{"10": 1}})
	require.NoError(t, err)

	req := f.request(StepCarrier, tok)
	req.ParcelSize = ParcelSmall
	req.CarrierGroup = GroupPosten
	tr := f.submit(t, req)
	assert.Equal(t, []string{msgPickService}, tr.Errors)

	req = f.request(StepCarrier, tok)
	req.ParcelSize = ParcelOversize
	req.CarrierGroup = GroupOversize
	tr = f.submit(t, req)
	assert.True(t, tr.Redirects())
	assert.Equal(t, StepConfirm, tr.NextStep)
}

func TestCarrierNormalizesEnums(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok, err := f.states.Save(context.Background(), &State{
		OrderID: 1200, Lines: map[string]int{"10": 1},
		Agreement: "123", Service: "servicepakke",
	})
	require.NoError(t, err)

	req := f.request(StepCarrier, tok)
	req.ParcelSize = "gigantic"
	req.CarrierGroup = "dhl"
	req.Service, req.Agreement = "servicepakke", "123"
	tr := f.submit(t, req)
	require.True(t, tr.Redirects())
	st := f.savedState(t, tr.Token)
	assert.Equal(t, ParcelSmall, st.ParcelSize)
	assert.Equal(t, GroupPostnord, st.CarrierGroup)
}

/* ----- step 4 ----- */

func TestConfirmHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := f.confirmState(t)

	req := f.request(StepConfirm, tok)
	req.AcceptTerms = true
	req.RefundMethod = RefundOriginal
	req.ReturnReason = "annet"
	req.ReturnReasonOther = "for liten"

	tr := f.submit(t, req)
	require.True(t, tr.Redirects())
	assert.Equal(t, StepDone, tr.NextStep)

	// carrier called once with the selected lines
	assert.Equal(t, 1, f.builder.builds)
	assert.Equal(t, map[string]int{"10": 1}, f.builder.lastInput.Returned)

	// metadata is locked and carries the label references
	meta := f.meta.records[1200]
	require.NotNil(t, meta)
	assert.True(t, meta.Locked)
	assert.Equal(t, "555", meta.ConsignmentID)
	assert.Equal(t, "https://portal.example.no/labels/label-x.pdf", meta.LabelPublicURL)
	assert.Equal(t, "nonce123", meta.FSNonce)
	qty, err := repository.DecodeReturnedQty(meta)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"10": 1}, qty)

	// audit entry, outbox event, transaction committed
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "annet: for liten", f.audit.entries[0].Reason)
	assert.Equal(t, "nonce123", f.audit.entries[0].FSNonce)
	require.Len(t, f.tasks.tasks, 1)
	assert.Equal(t, "return_events", f.tasks.tasks[0].Topic)
	assert.Contains(t, string(f.tasks.tasks[0].Payload), `"type":"return_created"`)
	require.Len(t, f.dbh.txs, 1)
	assert.True(t, f.dbh.txs[0].committed)

	// customer confirmation mail with the label link
	require.Len(t, f.mails.to, 1)
	assert.Equal(t, "kari@example.no", f.mails.to[0])
	assert.Contains(t, f.mails.bodies[0], "https://portal.example.no/labels/label-x.pdf")

	// terminal state with bonus link and regeneration token
	st := f.savedState(t, tr.Token)
	assert.True(t, st.Done)
	assert.Equal(t, "https://portal.example.no/labels/label-x.pdf", st.SuccessLabelURL)
	assert.Equal(t, "https://sporing.example/555", st.SuccessTracking)
	assert.Equal(t, 14, st.ValidDays)
	assert.NotEmpty(t, st.BonusURL)
	assert.NoError(t, f.signer.VerifyOrderToken(st.RegenToken, 1200, "kari@example.no"))
	assert.Equal(t, 1, f.bonus.grants)
}

func TestConfirmRequiresTerms(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.request(StepConfirm, f.confirmState(t))
	tr := f.submit(t, req)
	assert.Equal(t, []string{msgAcceptTerms}, tr.Errors)
	assert.Zero(t, f.builder.builds)
}

func TestConfirmDuplicateReusesFreshLabel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first := f.request(StepConfirm, f.confirmState(t))
	first.AcceptTerms = true
	tr := f.submit(t, first)
	require.True(t, tr.Redirects())
	require.Equal(t, 1, f.builder.builds)

	// immediate resubmission short-circuits on the fresh label
	second := f.request(StepConfirm, f.confirmState(t))
	second.AcceptTerms = true
	tr = f.submit(t, second)
	require.True(t, tr.Redirects())
	assert.Equal(t, StepDone, tr.NextStep)
	assert.Equal(t, 1, f.builder.builds, "carrier must not be called twice")
	st := f.savedState(t, tr.Token)
	assert.Equal(t, "https://portal.example.no/labels/label-x.pdf", st.SuccessLabelURL)

	// outside the duplicate window the lock answers instead
	created := time.Now().Add(-10 * time.Minute)
	f.meta.records[1200].CreatedAt = &created
	third := f.request(StepConfirm, f.confirmState(t))
	third.AcceptTerms = true
	tr = f.submit(t, third)
	assert.Equal(t, []string{msgLocked}, tr.Errors)
	assert.Equal(t, 1, f.builder.builds)
}

func TestConfirmOversizeSkipsCarrier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok, err := f.states.Save(context.Background(), &State{
		OrderID: 1200, Email: "kari@example.no",
		Lines: map[string]int{"10": 1}, ParcelSize: ParcelOversize,
		CarrierGroup: GroupOversize,
	})
	require.NoError(t, err)

	req := f.request(StepConfirm, tok)
	req.AcceptTerms = true
	req.ReturnReason = "skadet"
	tr := f.submit(t, req)
	require.True(t, tr.Redirects())
	assert.Equal(t, StepDone, tr.NextStep)

	assert.Zero(t, f.builder.builds)
	meta := f.meta.records[1200]
	require.NotNil(t, meta)
	assert.True(t, meta.Locked)
	assert.Empty(t, meta.ConsignmentID)

	// support gets the manual-handling mail, customer gets none
	require.Len(t, f.mails.to, 1)
	assert.Equal(t, "support@example.no", f.mails.to[0])
	assert.Contains(t, f.mails.bodies[0], "Ordre: #1200")

	require.Len(t, f.audit.entries, 1)
	assert.Empty(t, f.audit.entries[0].LabelURL)
	assert.Equal(t, "nonce123", f.audit.entries[0].FSNonce)
	assert.Equal(t, 1, f.bonus.grants)

	st := f.savedState(t, tr.Token)
	assert.True(t, st.Done)
	assert.Empty(t, st.SuccessLabelURL)
}

func TestConfirmCarrierErrorStaysInline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.builder.err = &cargonizer.Error{
		Kind:   cargonizer.KindProtocol,
		Admin:  "Autentisering feilet (401). Sjekk API-nøkkel.",
		Status: 401,
	}

	req := f.request(StepConfirm, f.confirmState(t))
	req.AcceptTerms = true
	tr := f.submit(t, req)
	require.Len(t, tr.Errors, 1)
	assert.Equal(t, "Klarte ikke å kontakte transportør. Prøv igjen senere.", tr.Errors[0])
	assert.Empty(t, f.meta.records, "nothing persisted on carrier failure")

	// administrators see the diagnosis
	req = f.request(StepConfirm, f.confirmState(t))
	req.AcceptTerms = true
	req.IsAdmin = true
	tr = f.submit(t, req)
	assert.Equal(t, []string{"Autentisering feilet (401). Sjekk API-nøkkel."}, tr.Errors)
}

func TestConfirmRejectedServiceStaysInline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.builder.err = returns.ErrServiceNotAllowed

	req := f.request(StepConfirm, f.confirmState(t))
	req.AcceptTerms = true
	tr := f.submit(t, req)
	assert.Equal(t, []string{"Valgt frakttjeneste er ikke tilgjengelig."}, tr.Errors)
}

/* ----- back navigation ----- */

func TestBackSavesStateAndStepsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok, err := f.states.Save(context.Background(), &State{OrderID: 1200, Lines: map[string]int{}})
	require.NoError(t, err)

	req := f.request(StepCarrier, tok)
	req.ParcelSize = ParcelLarge
	req.CarrierGroup = GroupPosten
	req.Back = true
	tr := f.submit(t, req)
	require.True(t, tr.Redirects())
	assert.Equal(t, StepLines, tr.NextStep)
	assert.Equal(t, ParcelLarge, f.savedState(t, tr.Token).ParcelSize)
}

/* ----- regeneration ----- */

func TestRegenerateHostsFreshLabel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	valid := time.Now().Add(72 * time.Hour)
	f.meta.records[1200] = &repository.ReturnMeta{
		OrderID: 1200, Locked: true, ConsignmentID: "555",
		LabelPrivateURL: "https://api.cargonizer.no/l/555.pdf",
		LabelValidUntil: &valid,
	}
	f.builder.refreshOK = true
	f.builder.refreshURL = "https://portal.example.no/labels/label-y.pdf"
	f.builder.refreshFile = "label-y.pdf"

	tok := f.signer.IssueOrderToken(1200, "kari@example.no", time.Hour)
	url, err := f.wz.Regenerate(context.Background(), 1200, tok, "203.0.113.9:1")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.no/labels/label-y.pdf", url)

	meta := f.meta.records[1200]
	assert.Equal(t, "label-y.pdf", meta.LabelFile)
	assert.NotNil(t, meta.LastRegenAt)
}

func TestRegenerateFallsBackToStoredURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	valid := time.Now().Add(72 * time.Hour)
	f.meta.records[1200] = &repository.ReturnMeta{
		OrderID: 1200, ConsignmentID: "555",
		LabelPrivateURL: "https://api.cargonizer.no/l/555.pdf",
		LabelValidUntil: &valid,
	}

	tok := f.signer.IssueOrderToken(1200, "kari@example.no", time.Hour)
	url, err := f.wz.Regenerate(context.Background(), 1200, tok, "203.0.113.9:1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.cargonizer.no/l/555.pdf", url)
}

func TestRegenerateGates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	expired := time.Now().Add(-time.Hour)
	f.meta.records[1200] = &repository.ReturnMeta{
		OrderID: 1200, ConsignmentID: "555", LabelValidUntil: &expired,
	}
	tok := f.signer.IssueOrderToken(1200, "kari@example.no", time.Hour)

	// bad token
	_, err := f.wz.Regenerate(context.Background(), 1200, "junk", "203.0.113.9:1")
	assert.ErrorIs(t, err, token.ErrInvalid)

	// expired label is never renewed
	_, err = f.wz.Regenerate(context.Background(), 1200, tok, "203.0.113.9:1")
	assert.ErrorIs(t, err, ErrLabelExpired)

	// rate limit
	valid := time.Now().Add(time.Hour)
	f.meta.records[1200].LabelValidUntil = &valid
	f.regen.allow = false
	_, err = f.wz.Regenerate(context.Background(), 1200, tok, "203.0.113.9:1")
	assert.ErrorIs(t, err, ErrRegenRateLimited)

	// no label anywhere
	f.regen.allow = true
	f.meta.records[1200] = &repository.ReturnMeta{OrderID: 1200, LabelValidUntil: &valid}
	_, err = f.wz.Regenerate(context.Background(), 1200, tok, "203.0.113.9:1")
	assert.ErrorIs(t, err, ErrNoLabel)
}

/* ----- state store ----- */

func TestStateTokensAreSingleUseMints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1200", "kari@example.no"
	tr1 := f.submit(t, req)
	require.True(t, tr1.Redirects())

	req2 := f.request(StepLines, tr1.Token)
	req2.Quantities = map[string]int{"10": 1}
	tr2 := f.submit(t, req2)
	require.True(t, tr2.Redirects())
	assert.NotEqual(t, tr1.Token, tr2.Token)
}

func TestResolveLayersClientEcho(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok, err := f.states.Save(context.Background(), &State{OrderID: 1200, ParcelSize: ParcelLarge})
	require.NoError(t, err)

	st, err := f.states.Resolve(context.Background(), tok, []byte(`{"return_note":"hilsen"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), st.OrderID)
	assert.Equal(t, ParcelLarge, st.ParcelSize)
	assert.Equal(t, "hilsen", st.ReturnNote)

	// malformed echo is ignored
	st, err = f.states.Resolve(context.Background(), tok, []byte(`{broken`))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), st.OrderID)

	// unknown token falls back to defaults
	st, err = f.states.Resolve(context.Background(), "deadbeef", nil)
	require.NoError(t, err)
	assert.Zero(t, st.OrderID)
	assert.Equal(t, ParcelSmall, st.ParcelSize)
	assert.Equal(t, RefundGiftcard, st.RefundMethod)
}

var errStoreDown = errors.New("store down")

func TestLimiterFailureDoesNotBlockIdentify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.wz.limiter = failingLimiter{}

	req := f.request(StepIdentify, "")
	req.OrderNumber, req.Email = "1200", "kari@example.no"
	tr := f.submit(t, req)
	assert.True(t, tr.Redirects())
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, ...string) (bool, error) {
	return true, errStoreDown
}
