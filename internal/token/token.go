// Package token issues and verifies the HMAC-signed values the portal
// hands to customers: order access tokens on label pages and
// free-shipping bonus tokens in activation links. Tokens are opaque,
// expiring and bound to the data they authorize.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalid  = errors.New("token: invalid")
	ErrExpired  = errors.New("token: expired")
	ErrMismatch = errors.New("token: does not match order")
)

type Signer struct {
	secret  []byte
	timeNow func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{
		secret:  []byte(secret),
		timeNow: time.Now,
	}
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign joins the parts with '|', appends an HMAC-SHA256 signature and
// base64url-encodes the whole value. Parts must not contain '|'.
func (s *Signer) Sign(parts ...string) string {
	payload := strings.Join(parts, "|")
	signed := payload + "|" + s.mac(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(signed))
}

// Parse verifies the signature in constant time and returns exactly n
// payload parts. Any malformed or tampered token yields ErrInvalid.
func (s *Signer) Parse(token string, n int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalid
	}
	signed := string(raw)
	i := strings.LastIndexByte(signed, '|')
	if i < 0 {
		return nil, ErrInvalid
	}
	payload, sig := signed[:i], signed[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.mac(payload))) {
		return nil, ErrInvalid
	}
	parts := strings.Split(payload, "|")
	if len(parts) != n {
		return nil, ErrInvalid
	}
	return parts, nil
}

// IssueOrderToken binds a token to the order id and the billing email it
// was issued for.
func (s *Signer) IssueOrderToken(orderID int64, email string, ttl time.Duration) string {
	exp := s.timeNow().Add(ttl).Unix()
	return s.Sign(strconv.FormatInt(orderID, 10), strings.ToLower(email), strconv.FormatInt(exp, 10))
}

// VerifyOrderToken checks the token against the order it claims to grant
// access to. The email baked into the token must still match the order's
// billing email, so tokens die when the order changes hands.
func (s *Signer) VerifyOrderToken(token string, orderID int64, billingEmail string) error {
	parts, err := s.Parse(token, 3)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id != orderID {
		return ErrMismatch
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ErrInvalid
	}
	if s.timeNow().Unix() > exp {
		return ErrExpired
	}
	if parts[1] != strings.ToLower(strings.TrimSpace(billingEmail)) {
		return ErrMismatch
	}
	return nil
}

// BonusClaim is the verified content of a free-shipping bonus token.
type BonusClaim struct {
	Nonce  string
	IPHash string
}

func (s *Signer) IssueBonusToken(nonce, ipHash string, ttl time.Duration) string {
	exp := s.timeNow().Add(ttl).Unix()
	return s.Sign(strconv.FormatInt(exp, 10), nonce, ipHash)
}

func (s *Signer) VerifyBonusToken(token string) (*BonusClaim, error) {
	parts, err := s.Parse(token, 3)
	if err != nil {
		return nil, err
	}
	exp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalid
	}
	if s.timeNow().Unix() > exp {
		return nil, ErrExpired
	}
	return &BonusClaim{Nonce: parts[1], IPHash: parts[2]}, nil
}

// CoarseIPHash reduces the address to its /24 (IPv4) or /64 (IPv6)
// network before hashing, so records survive minor address churn without
// storing the raw IP.
func (s *Signer) CoarseIPHash(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}

	var network string
	if v4 := ip.To4(); v4 != nil {
		network = v4.Mask(net.CIDRMask(24, 32)).String()
	} else {
		network = ip.Mask(net.CIDRMask(64, 128)).String()
	}

	h := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(h, "lpfs|%s", network)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
