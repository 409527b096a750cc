// Package bonus implements the anonymous free-shipping reward granted
// after a completed return. The grant is device-bound via cookie with a
// coarse IP-hash fallback, never tied to a customer identity.
package bonus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
	"github.com/lilleprinsen-dotcom/Returportal/internal/metrics"
	"github.com/lilleprinsen-dotcom/Returportal/internal/token"
)

const (
	// CookieName carries the signed bonus token on the granting device.
	CookieName = "lp_fs_key"
	// QueryParam activates the bonus in any browser via a shared link.
	QueryParam = "lp_fs"

	usedMarkerTTL = 24 * time.Hour
)

// record is the short-TTL lookup row written per grant, once keyed by
// nonce and once by IP-hash, so either side can find its counterpart.
type record struct {
	Until  int64  `json:"until"`
	Nonce  string `json:"nonce,omitempty"`
	IPHash string `json:"iph,omitempty"`
	Used   bool   `json:"used"`
}

type Status struct {
	Active bool
	Until  time.Time
	Nonce  string
	IPHash string
	Source string
}

type Engine struct {
	signer   *token.Signer
	store    kv.Store
	enabled  bool
	validity time.Duration
	baseURL  *url.URL
	logger   *zap.Logger
	timeNow  func() time.Time
}

func NewEngine(signer *token.Signer, store kv.Store, enabled bool, validity time.Duration, baseURL string, logger *zap.Logger) (*Engine, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &Engine{
		signer:   signer,
		store:    store,
		enabled:  enabled,
		validity: validity,
		baseURL:  u,
		logger:   logger,
		timeNow:  time.Now,
	}, nil
}

func (e *Engine) Enabled() bool { return e.enabled }

// Until reports when a bonus granted right now would expire.
func (e *Engine) Until() time.Time { return e.timeNow().Add(e.validity) }

func nonceKey(nonce string) string { return "lpfs:nonce:" + nonce }
func ipKey(iph string) string      { return "lpfs:ip:" + iph }
func usedKey(nonce string) string  { return "lpfs:used:" + nonce }

func (e *Engine) recordTTL(until time.Time) time.Duration {
	ttl := until.Sub(e.timeNow()) + time.Hour
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (e *Engine) writeRecords(ctx context.Context, nonce, iph string, until time.Time, used bool) {
	ttl := e.recordTTL(until)
	byNonce, _ := json.Marshal(record{Until: until.Unix(), IPHash: iph, Used: used})
	byIP, _ := json.Marshal(record{Until: until.Unix(), Nonce: nonce, Used: used})
	if err := e.store.Set(ctx, nonceKey(nonce), string(byNonce), ttl); err != nil {
		e.logger.Warn("failed to write bonus nonce record", zap.Error(err))
	}
	if iph == "" {
		return
	}
	if err := e.store.Set(ctx, ipKey(iph), string(byIP), ttl); err != nil {
		e.logger.Warn("failed to write bonus ip record", zap.Error(err))
	}
}

func (e *Engine) readRecord(ctx context.Context, key string) (*record, bool) {
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			e.logger.Warn("bonus record read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (e *Engine) setCookie(w http.ResponseWriter, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   e.baseURL.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

// Grant issues a fresh bonus for the current device and network: a signed
// cookie plus the nonce- and IP-keyed fallback records.
func (e *Engine) Grant(ctx context.Context, w http.ResponseWriter, remoteAddr string) (nonce string, until time.Time, err error) {
	if !e.enabled {
		return "", time.Time{}, nil
	}

	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	nonce = hex.EncodeToString(buf)
	iph := e.signer.CoarseIPHash(remoteAddr)
	until = e.timeNow().Add(e.validity)

	tok := e.signer.IssueBonusToken(nonce, iph, e.validity)
	e.setCookie(w, tok, until)
	e.writeRecords(ctx, nonce, iph, until, false)
	metrics.BonusGrantedTotal.Inc()
	return nonce, until, nil
}

// StatusFor resolves the visitor's bonus state. A verifiable cookie token
// wins; otherwise the coarse IP-hash record is consulted.
func (e *Engine) StatusFor(ctx context.Context, r *http.Request) Status {
	if !e.enabled {
		return Status{}
	}
	if st, ok := e.cookieStatus(ctx, r); ok {
		return st
	}
	return e.ipStatus(ctx, r)
}

func (e *Engine) cookieStatus(ctx context.Context, r *http.Request) (Status, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return Status{}, false
	}
	claim, err := e.signer.VerifyBonusToken(c.Value)
	if err != nil {
		return Status{}, false
	}
	// the used marker is a bare flag, not a record; its presence alone
	// blocks replay even after the nonce record is evicted
	if _, err := e.store.Get(ctx, usedKey(claim.Nonce)); err == nil {
		return Status{}, false
	}
	until := time.Time{}
	if rec, ok := e.readRecord(ctx, nonceKey(claim.Nonce)); ok {
		if rec.Used {
			return Status{}, false
		}
		until = time.Unix(rec.Until, 0)
	}
	return Status{Active: true, Until: until, Nonce: claim.Nonce, IPHash: claim.IPHash, Source: "cookie"}, true
}

func (e *Engine) ipStatus(ctx context.Context, r *http.Request) Status {
	iph := e.signer.CoarseIPHash(r.RemoteAddr)
	if iph == "" {
		return Status{}
	}
	if rec, ok := e.readRecord(ctx, ipKey(iph)); ok && !rec.Used && e.timeNow().Unix() < rec.Until {
		return Status{Active: true, Until: time.Unix(rec.Until, 0), Nonce: rec.Nonce, IPHash: iph, Source: "ip"}
	}
	return Status{}
}

// Consume marks an active bonus as spent: the used marker and both lookup
// records flip to used, and the device cookie is cleared. Returns the
// consumed nonce so the caller can stamp the new order.
func (e *Engine) Consume(ctx context.Context, w http.ResponseWriter, st Status) string {
	if !e.enabled || !st.Active {
		return ""
	}

	if st.Nonce != "" {
		if err := e.store.Set(ctx, usedKey(st.Nonce), "1", usedMarkerTTL); err != nil {
			e.logger.Warn("failed to write bonus used marker", zap.Error(err))
		}
	}
	e.writeRecords(ctx, st.Nonce, st.IPHash, st.Until, true)
	e.setCookie(w, "", time.Unix(0, 0))
	metrics.BonusConsumedTotal.Inc()
	return st.Nonce
}

// sameOrigin rejects cross-origin redirect targets; relative URLs pass.
func (e *Engine) sameOrigin(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Host, e.baseURL.Host)
}

// ActivationURL builds the shareable cross-device activation link with a
// freshly issued token.
func (e *Engine) ActivationURL(remoteAddr, redirect string) string {
	iph := e.signer.CoarseIPHash(remoteAddr)
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return e.baseURL.String()
	}
	tok := e.signer.IssueBonusToken(hex.EncodeToString(buf), iph, e.validity)

	u := *e.baseURL
	u.Path = "/"
	q := url.Values{QueryParam: []string{tok}}
	if redirect != "" && e.sameOrigin(redirect) {
		q.Set("redirect", redirect)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AcceptActivation handles ?lp_fs=TOKEN on any page load: verify, set the
// cookie, store the fallback records and redirect with the token params
// stripped. Returns false when the request carries no activation token.
func (e *Engine) AcceptActivation(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	tok := r.URL.Query().Get(QueryParam)
	if tok == "" {
		return false
	}

	claim, err := e.signer.VerifyBonusToken(tok)
	if err != nil {
		// invalid or expired token: strip it and move on, no error leak
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return true
	}

	until := e.timeNow().Add(e.validity)
	if rec, ok := e.readRecord(ctx, nonceKey(claim.Nonce)); ok {
		until = time.Unix(rec.Until, 0)
	}
	e.setCookie(w, tok, until)
	e.writeRecords(ctx, claim.Nonce, claim.IPHash, until, false)

	target := r.URL.Query().Get("redirect")
	if target == "" || !e.sameOrigin(target) {
		target = "/"
	}
	if u, err := url.Parse(target); err == nil {
		q := u.Query()
		q.Del(QueryParam)
		q.Del("redirect")
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
	return true
}
