// Package cargonizer talks XML-over-HTTPS to the Cargonizer carrier API:
// transport agreements, consignment creation, transfer and label download.
package cargonizer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrorKind classifies a carrier failure for the caller. Detail is shown to
// administrators only; customers always get CustomerMessage().
type ErrorKind string

const (
	KindConfig    ErrorKind = "config"
	KindSecurity  ErrorKind = "security"
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
	KindParse     ErrorKind = "parse"
)

const customerMessage = "Klarte ikke å kontakte transportør. Prøv igjen senere."

type Error struct {
	Kind   ErrorKind
	Admin  string
	Status int
}

func (e *Error) Error() string { return e.Admin }

// CustomerMessage hides the diagnosis from non-admin callers.
func (e *Error) CustomerMessage() string { return customerMessage }

// defaultAllowedHosts are the carrier's known API hosts. Requests resolving
// to any other host are refused before a single byte leaves the process.
var defaultAllowedHosts = []string{
	"api.cargonizer.no",
	"api.cargonizer.logistra.no",
	"cargonizer.no",
	"sandbox.cargonizer.no",
}

type Config struct {
	APIKey          string
	SenderID        string
	EndpointBase    string
	AllowedHosts    []string
	BlockExternal   bool
	AccessibleHosts []string
	UserAgent       string
}

type Client struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.AllowedHosts) == 0 {
		cfg.AllowedHosts = defaultAllowedHosts
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Returportal/1.0"
	}
	base, err := url.Parse(strings.TrimRight(cfg.EndpointBase, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid carrier endpoint base %q: %w", cfg.EndpointBase, err)
	}
	return &Client{
		cfg:  cfg,
		base: base,
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return errors.New("stopped after 3 redirects")
				}
				return nil
			},
		},
		logger: logger,
	}, nil
}

func (c *Client) isAllowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range c.cfg.AllowedHosts {
		if strings.ToLower(h) == host {
			return true
		}
	}
	return false
}

func (c *Client) isAccessibleHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range c.cfg.AccessibleHosts {
		if strings.ToLower(strings.TrimSpace(h)) == host {
			return true
		}
	}
	return false
}

func (c *Client) resolveURL(path string, query url.Values) (*url.URL, error) {
	var u *url.URL
	var err error
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err = url.Parse(path)
	} else {
		u, err = c.base.Parse(strings.TrimLeft(path, "/"))
	}
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// Request performs one carrier call. The host allow-list and the outbound
// block are checked before anything is sent. Credentials ride in headers;
// overrideKey/overrideSender are only set for the admin connection test.
func (c *Client) Request(ctx context.Context, method, path string, body []byte, query url.Values, accept string) ([]byte, error) {
	return c.request(ctx, method, path, body, query, accept, "", "")
}

// RequestWithCredentials is the administrator connection-test entry point.
func (c *Client) RequestWithCredentials(ctx context.Context, method, path string, body []byte, query url.Values, accept, overrideKey, overrideSender string) ([]byte, error) {
	return c.request(ctx, method, path, body, query, accept, overrideKey, overrideSender)
}

func (c *Client) request(ctx context.Context, method, path string, body []byte, query url.Values, accept, overrideKey, overrideSender string) ([]byte, error) {
	u, err := c.resolveURL(path, query)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Admin: "Ugyldig forespørsels-URL: " + err.Error()}
	}

	host := u.Hostname()
	if !c.isAllowedHost(host) {
		return nil, &Error{Kind: KindSecurity, Admin: "Blokkert utgående forespørsel til uautorisert vert: " + host}
	}
	if c.cfg.BlockExternal && !c.isAccessibleHost(host) {
		return nil, &Error{Kind: KindSecurity, Admin: "Utgående forespørsler er blokkert. Legg " + host + " i listen over tilgjengelige verter."}
	}

	key := strings.TrimSpace(c.cfg.APIKey)
	sender := strings.TrimSpace(c.cfg.SenderID)
	if overrideKey != "" || overrideSender != "" {
		key, sender = strings.TrimSpace(overrideKey), strings.TrimSpace(overrideSender)
	}
	if key == "" || sender == "" {
		return nil, &Error{Kind: KindConfig, Admin: "Cargonizer API-nøkkel og Avsender-ID må fylles ut i innstillinger."}
	}

	var reader io.Reader
	if method != http.MethodGet && len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Admin: "Nettverksfeil: " + err.Error()}
	}
	if accept == "" {
		accept = "application/xml"
	}
	req.Header.Set("X-Cargonizer-Key", key)
	req.Header.Set("X-Cargonizer-Sender", sender)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if accept == "application/xml" {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		detail := diagnoseTransport(err)
		c.logger.Warn("carrier request failed",
			zap.String("url", u.String()), zap.String("detail", detail))
		return nil, &Error{Kind: KindTransport, Admin: detail}
	}
	defer res.Body.Close()

	text, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Admin: "Nettverksfeil: " + err.Error()}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return text, nil
	}

	detail := diagnoseStatus(res.StatusCode, text)
	c.logger.Warn("carrier responded with error",
		zap.Int("status", res.StatusCode),
		zap.String("url", u.String()),
		zap.String("body", truncate(string(text), 600)))
	return nil, &Error{Kind: KindProtocol, Admin: detail, Status: res.StatusCode}
}

// diagnoseTransport maps low-level failure signatures to operator-actionable
// Norwegian diagnostics.
func diagnoseTransport(err error) string {
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) {
		return "SSL/TLS-validering feilet på serveren. Oppdater CA/sertifikatkjede hos host."
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Nettverkstimeout. Drift/Firewall eller nettverksstøy."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Nettverkstimeout. Drift/Firewall eller nettverksstøy."
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "DNS-oppslag feilet. Sjekk serverens DNS."
	}

	return "Nettverksfeil: " + err.Error()
}

// errorsFragment is the <errors><error>..</error></errors> block carriers
// attach to 400/422 responses.
type errorsFragment struct {
	Errors []string `xml:"errors>error"`
}

func diagnoseStatus(code int, body []byte) string {
	xmlMsg := ""
	if (code == 400 || code == 422) && len(body) > 0 {
		var frag errorsFragment
		if err := xml.Unmarshal(body, &frag); err == nil && len(frag.Errors) > 0 {
			seen := map[string]bool{}
			var msgs []string
			for _, m := range frag.Errors {
				m = strings.TrimSpace(m)
				if m == "" || seen[m] {
					continue
				}
				seen[m] = true
				msgs = append(msgs, m)
			}
			if len(msgs) > 0 {
				xmlMsg = " Detaljer: " + strings.Join(msgs, " | ")
			}
		}
	}

	switch {
	case code == 401:
		return "Autentisering feilet (401). Sjekk API-nøkkel."
	case code == 402:
		return "Autorisasjon feilet (402). Sannsynligvis mangler/feil Sender-ID."
	case code == 403:
		return "Tilgang nektes (403). Sjekk lisens eller Sender-ID."
	case code == 404:
		return "Endepunkt utilgjengelig (404)."
	case code == 422:
		return "Forespørselen ble avvist (422)." + xmlMsg
	case code == 400:
		return "Valideringsfeil (400)." + xmlMsg
	case code >= 500:
		return fmt.Sprintf("Transportør svarte med feil (%d).", code)
	}
	return fmt.Sprintf("Ukjent HTTP-feil (%d).", code)
}

// ParseXML wraps unmarshalling so callers never see raw decoder errors.
func (c *Client) ParseXML(data []byte, v interface{}) error {
	if err := xml.Unmarshal(data, v); err != nil {
		c.logger.Warn("carrier XML parse failed", zap.Error(err))
		return &Error{Kind: KindParse, Admin: "Kunne ikke tolke respons fra transportør."}
	}
	return nil
}

// LooksLikePDF checks the %PDF magic bytes before a download is trusted as
// a label.
func LooksLikePDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
