// Package server exposes the return portal over HTTP: the customer
// wizard, label download and regeneration, the bonus activation hook and
// the basic-auth admin surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/bonus"
	"github.com/lilleprinsen-dotcom/Returportal/internal/cargonizer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository"
	"github.com/lilleprinsen-dotcom/Returportal/internal/token"
	"github.com/lilleprinsen-dotcom/Returportal/internal/wizard"
)

type wizardService interface {
	View(ctx context.Context, tok string) (*wizard.State, error)
	Submit(ctx context.Context, w http.ResponseWriter, req *wizard.Request) (*wizard.Transition, error)
	Regenerate(ctx context.Context, orderID int64, accessToken, remoteAddr string) (string, error)
	FormToken() string
}

type bonusEngine interface {
	AcceptActivation(ctx context.Context, w http.ResponseWriter, r *http.Request) bool
	StatusFor(ctx context.Context, r *http.Request) bonus.Status
	Consume(ctx context.Context, w http.ResponseWriter, st bonus.Status) string
}

type labelStore interface {
	Open(filename string) (string, error)
}

type carrierClient interface {
	RequestWithCredentials(ctx context.Context, method, path string, body []byte, query url.Values, accept, overrideKey, overrideSender string) ([]byte, error)
}

type metaAdmin interface {
	SetLockOverride(ctx context.Context, orderID int64) error
	MarkFSUsed(ctx context.Context, orderID int64, nonce string, at time.Time) error
	ListLockedSince(ctx context.Context, since time.Time) ([]*repository.ReturnMeta, error)
}

type auditLog interface {
	List(ctx context.Context, search string, limit int) ([]*repository.ReturnLogEntry, error)
	SetNewOrder(ctx context.Context, entryID, newOrderID int64) error
}

type orderLookup interface {
	FindFirstAfterWithNonce(ctx context.Context, nonce string, after, cutoff time.Time) (int64, error)
	FindFirstAfterWithEmail(ctx context.Context, email string, after, cutoff time.Time) (int64, error)
}

type userRepo interface {
	ValidateUser(ctx context.Context, username, password string) (bool, error)
}

type Server struct {
	wizard  wizardService
	bonus   bonusEngine
	labels  labelStore
	carrier carrierClient
	meta    metaAdmin
	audit   auditLog
	orders  orderLookup
	users   userRepo
	logger  *zap.Logger

	bonusValidity time.Duration
	server        *http.Server
}

func New(
	wizardSvc wizardService,
	bonusEng bonusEngine,
	labels labelStore,
	carrier carrierClient,
	meta metaAdmin,
	audit auditLog,
	orders orderLookup,
	users userRepo,
	bonusValidity time.Duration,
	logger *zap.Logger,
) *Server {
	return &Server{
		wizard:        wizardSvc,
		bonus:         bonusEng,
		labels:        labels,
		carrier:       carrier,
		meta:          meta,
		audit:         audit,
		orders:        orders,
		users:         users,
		bonusValidity: bonusValidity,
		logger:        logger,
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestLog)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/returns/wizard", s.handleWizardView).Methods(http.MethodGet)
	r.HandleFunc("/returns/wizard", s.handleWizardSubmit).Methods(http.MethodPost)
	r.HandleFunc("/returns/labels/regenerate", s.handleRegenerate).Methods(http.MethodPost)
	r.HandleFunc("/labels/{file}", s.handleLabel).Methods(http.MethodGet)
	r.HandleFunc("/hooks/order-processed", s.handleOrderProcessed).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.basicAuth)
	admin.HandleFunc("/carrier/test", s.handleCarrierTest).Methods(http.MethodPost)
	admin.HandleFunc("/orders/{id:[0-9]+}/unlock", s.handleUnlock).Methods(http.MethodPost)
	admin.HandleFunc("/returns", s.handleListReturns).Methods(http.MethodGet)
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Returportal admin"`)
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		valid, err := s.users.ValidateUser(r.Context(), username, password)
		if err != nil || !valid {
			w.Header().Set("WWW-Authenticate", `Basic realm="Returportal admin"`)
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRoot is the landing hook: an lp_fs activation token is consumed
// into a cookie and redirected away; otherwise the visitor's bonus state
// is reported.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if s.bonus.AcceptActivation(r.Context(), w, r) {
		return
	}
	st := s.bonus.StatusFor(r.Context(), r)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"bonus_active": st.Active,
		"bonus_until":  st.Until,
	})
}

func (s *Server) handleWizardView(w http.ResponseWriter, r *http.Request) {
	st, err := s.wizard.View(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Error("wizard view failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":      st,
		"form_token": s.wizard.FormToken(),
	})
}

type wizardSubmitRequest struct {
	Step           int             `json:"step"`
	Token          string          `json:"token"`
	State          json.RawMessage `json:"state"`
	FormToken      string          `json:"form_token"`
	CompanyWebsite string          `json:"company_website"`
	Back           bool            `json:"back"`

	OrderNumber       string         `json:"order_number"`
	Email             string         `json:"email"`
	Quantities        map[string]int `json:"quantities"`
	ParcelSize        string         `json:"parcel_size"`
	CarrierGroup      string         `json:"carrier_group"`
	Service           string         `json:"service"`
	Agreement         string         `json:"agreement"`
	ReturnNote        string         `json:"return_note"`
	RefundMethod      string         `json:"refund_method"`
	AcceptTerms       bool           `json:"accept_terms"`
	ReturnReason      string         `json:"return_reason"`
	ReturnReasonOther string         `json:"return_reason_other"`
}

func (s *Server) handleWizardSubmit(w http.ResponseWriter, r *http.Request) {
	var body wizardSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Ugyldig forespørsel.")
		return
	}

	tr, err := s.wizard.Submit(r.Context(), w, &wizard.Request{
		Step:              body.Step,
		Token:             body.Token,
		ClientState:       body.State,
		FormToken:         body.FormToken,
		Honeypot:          body.CompanyWebsite,
		Back:              body.Back,
		RemoteAddr:        r.RemoteAddr,
		OrderNumber:       body.OrderNumber,
		Email:             body.Email,
		Quantities:        body.Quantities,
		ParcelSize:        body.ParcelSize,
		CarrierGroup:      body.CarrierGroup,
		Service:           body.Service,
		Agreement:         body.Agreement,
		ReturnNote:        body.ReturnNote,
		RefundMethod:      body.RefundMethod,
		AcceptTerms:       body.AcceptTerms,
		ReturnReason:      body.ReturnReason,
		ReturnReasonOther: body.ReturnReasonOther,
	})
	if err != nil {
		s.logger.Error("wizard submit failed", zap.Int("step", body.Step), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if tr.Redirects() {
		target := "/returns/wizard?step=" + strconv.Itoa(tr.NextStep) + "&token=" + tr.Token
		w.Header().Set("Location", target)
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"redirect": target,
			"step":     tr.NextStep,
			"token":    tr.Token,
		})
		return
	}
	respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"step":   tr.NextStep,
		"errors": tr.Errors,
		"state":  tr.State,
	})
}

type regenerateRequest struct {
	OrderID int64  `json:"order_id"`
	Token   string `json:"token"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Ugyldig forespørsel.")
		return
	}

	labelURL, err := s.wizard.Regenerate(r.Context(), body.OrderID, body.Token, r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalid), errors.Is(err, token.ErrExpired),
			errors.Is(err, token.ErrMismatch), errors.Is(err, repository.ErrObjectNotFound):
			respondError(w, http.StatusForbidden, "Ugyldig forespørsel.")
		case errors.Is(err, wizard.ErrRegenRateLimited):
			respondError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, wizard.ErrLabelExpired), errors.Is(err, wizard.ErrNoLabel):
			respondError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("label regeneration failed", zap.Int64("order_id", body.OrderID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"label_url": labelURL})
}

func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	path, err := s.labels.Open(mux.Vars(r)["file"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline")
	http.ServeFile(w, r, path)
}

type orderProcessedRequest struct {
	OrderID int64 `json:"order_id"`
}

// handleOrderProcessed is called by the shop when a new order completes,
// with the customer's cookies and address forwarded. An active bonus is
// consumed and stamped onto the new order's return record.
func (s *Server) handleOrderProcessed(w http.ResponseWriter, r *http.Request) {
	var body orderProcessedRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrderID == 0 {
		respondError(w, http.StatusBadRequest, "Ugyldig forespørsel.")
		return
	}

	st := s.bonus.StatusFor(r.Context(), r)
	if !st.Active {
		respondJSON(w, http.StatusOK, map[string]interface{}{"consumed": false})
		return
	}

	nonce := s.bonus.Consume(r.Context(), w, st)
	if err := s.meta.MarkFSUsed(r.Context(), body.OrderID, nonce, time.Now()); err != nil {
		s.logger.Error("failed to mark bonus usage",
			zap.Int64("order_id", body.OrderID), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"consumed": true, "nonce": nonce})
}

/* ----- admin ----- */

type carrierTestRequest struct {
	APIKey   string `json:"api_key"`
	SenderID string `json:"sender_id"`
}

func (s *Server) handleCarrierTest(w http.ResponseWriter, r *http.Request) {
	var body carrierTestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	_, err := s.carrier.RequestWithCredentials(r.Context(), http.MethodGet,
		"transport_agreements.xml", nil, nil, "", body.APIKey, body.SenderID)
	if err != nil {
		var cerr *cargonizer.Error
		if errors.As(err, &cerr) {
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"ok":     false,
				"detail": cerr.Admin,
				"kind":   string(cerr.Kind),
			})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || orderID <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid order id")
		return
	}
	if err := s.meta.SetLockOverride(r.Context(), orderID); err != nil {
		s.logger.Error("unlock failed", zap.Int64("order_id", orderID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Order reopened for returns"})
}

func (s *Server) handleListReturns(w http.ResponseWriter, r *http.Request) {
	limit := 300
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid value for 'limit' parameter")
			return
		}
		limit = n
	}

	entries, err := s.audit.List(r.Context(), r.URL.Query().Get("search"), limit)
	if err != nil {
		s.logger.Error("return log list failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	for _, e := range entries {
		s.resolveFollowUpOrder(r.Context(), e)
	}
	respondJSON(w, http.StatusOK, entries)
}

// resolveFollowUpOrder lazily links an audit entry to the first order the
// customer placed with the granted bonus: matched by nonce first, billing
// email as fallback, within the bonus validity window.
func (s *Server) resolveFollowUpOrder(ctx context.Context, e *repository.ReturnLogEntry) {
	if e.NewOrderID != nil || e.FSNonce == "" {
		return
	}
	cutoff := e.Created.Add(s.bonusValidity)

	id, err := s.orders.FindFirstAfterWithNonce(ctx, e.FSNonce, e.Created, cutoff)
	if errors.Is(err, repository.ErrObjectNotFound) {
		id, err = s.orders.FindFirstAfterWithEmail(ctx, e.Email, e.Created, cutoff)
	}
	if err != nil {
		return
	}

	if err := s.audit.SetNewOrder(ctx, e.ID, id); err != nil {
		s.logger.Warn("failed to persist follow-up order link",
			zap.Int64("entry_id", e.ID), zap.Error(err))
		return
	}
	e.NewOrderID = &id
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid value for 'days' parameter")
			return
		}
		days = n
	}

	metas, err := s.meta.ListLockedSince(r.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	byParcel := map[string]int{}
	byCarrier := map[string]int{}
	bonusUsed := 0
	itemsReturned := 0
	for _, m := range metas {
		byParcel[m.ParcelSize]++
		byCarrier[m.CarrierGroup]++
		if m.FSUsed {
			bonusUsed++
		}
		if qty, err := repository.DecodeReturnedQty(m); err == nil {
			for _, n := range qty {
				itemsReturned += n
			}
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"days":           days,
		"total":          len(metas),
		"items_returned": itemsReturned,
		"by_parcel_size": byParcel,
		"by_carrier":     byCarrier,
		"bonus_consumed": bonusUsed,
	})
}
