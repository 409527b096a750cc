// Package returns turns a confirmed wizard submission into a carrier
// consignment with a hosted label.
package returns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/cargonizer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/labels"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository"
)

var (
	// ErrServiceNotAllowed fires when the submitted agreement/product pair
	// is no longer in the allow-list-filtered catalog (tampered or stale
	// client state).
	ErrServiceNotAllowed = errors.New("Valgt frakttjeneste er ikke tilgjengelig.")
	// ErrStoreAddressMissing is a deployment configuration error.
	ErrStoreAddressMissing = errors.New("Butikkadresse mangler i innstillinger.")
)

type StoreAddress struct {
	Name     string
	Email    string
	Address1 string
	Address2 string
	Postcode string
	City     string
	Country  string
}

type Options struct {
	Store           StoreAddress
	SwapParties     bool
	EmailLabel      bool
	NotifyConsignee bool
	AutoTransfer    bool
	// DefaultServices maps "agreementID|productID" to preselected
	// additional service ids.
	DefaultServices map[string][]string
}

type carrierAPI interface {
	SubmitConsignment(ctx context.Context, in *cargonizer.Consignment) (*cargonizer.ConsignmentResult, error)
	Transfer(ctx context.Context, consignmentIDs ...string) error
	FetchLabelPDF(ctx context.Context, consignmentID string) ([]byte, error)
	DownloadLabelURL(ctx context.Context, rawURL string) ([]byte, error)
}

type catalogSource interface {
	Fetch(ctx context.Context, filterAllowed bool) ([]cargonizer.TransportAgreement, error)
}

type labelHost interface {
	Save(pdf []byte) (publicURL, filename string, err error)
}

type BuildInput struct {
	Order       *repository.Order
	Lines       []*repository.OrderLine
	Returned    map[string]int
	AgreementID string
	ProductID   string
}

type BuildResult struct {
	ConsignmentID  string
	LabelURL       string
	PublicLabelURL string
	LabelFile      string
	TrackingURL    string
	// TransferNote is set when the non-fatal transfer sub-call failed.
	TransferNote string
}

type Builder struct {
	carrier carrierAPI
	catalog catalogSource
	labels  labelHost
	opts    Options
	logger  *zap.Logger
}

func NewBuilder(carrier carrierAPI, catalog catalogSource, labels labelHost, opts Options, logger *zap.Logger) *Builder {
	return &Builder{
		carrier: carrier,
		catalog: catalog,
		labels:  labels,
		opts:    opts,
		logger:  logger,
	}
}

// TotalWeight aggregates returned-line weight, floored at the carrier's
// 0.1 kg minimum and rounded to two decimals.
func TotalWeight(lines []*repository.OrderLine, returned map[string]int) float64 {
	total := 0.0
	for _, line := range lines {
		qty := returned[strconv.FormatInt(line.ID, 10)]
		if qty <= 0 {
			continue
		}
		w := line.LineWeight()
		if w < 0 {
			w = 0
		}
		total += w * float64(qty)
	}
	total = math.Round(total*100) / 100
	return math.Max(0.1, total)
}

func (b *Builder) storeParty() cargonizer.Party {
	return cargonizer.Party{
		Name:     b.opts.Store.Name,
		Address1: b.opts.Store.Address1,
		Address2: b.opts.Store.Address2,
		Postcode: b.opts.Store.Postcode,
		City:     b.opts.Store.City,
		Country:  b.opts.Store.Country,
	}
}

func customerParty(o *repository.Order) cargonizer.Party {
	return cargonizer.Party{
		Name:     o.BillingFirstName + " " + o.BillingLastName,
		Company:  o.BillingCompany,
		Address1: o.BillingAddress1,
		Address2: o.BillingAddress2,
		Postcode: o.BillingPostcode,
		City:     o.BillingCity,
		Country:  o.BillingCountry,
		Email:    o.BillingEmail,
		Mobile:   o.BillingPhone,
	}
}

// serviceIDs intersects the configured default services with what the
// carrier currently reports available, so stale service ids never reach
// the consignment call.
func (b *Builder) serviceIDs(ctx context.Context, agreementID, productID string) ([]string, error) {
	defaults := b.opts.DefaultServices[agreementID+"|"+productID]
	if len(defaults) == 0 {
		return nil, nil
	}

	all, err := b.catalog.Fetch(ctx, false)
	if err != nil {
		return nil, err
	}
	avail := map[string]bool{}
	if p, ok := cargonizer.FindProduct(all, agreementID, productID); ok {
		for _, s := range p.Services {
			avail[s.ID] = true
		}
	}

	var out []string
	for _, id := range defaults {
		if avail[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Build creates the consignment, optionally transfers it and hosts the
// label PDF locally. Transfer and hosting failures are non-fatal.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*BuildResult, error) {
	allowed, err := b.catalog.Fetch(ctx, true)
	if err != nil {
		return nil, err
	}
	if _, ok := cargonizer.FindProduct(allowed, in.AgreementID, in.ProductID); !ok {
		return nil, ErrServiceNotAllowed
	}

	if b.opts.Store.Address1 == "" || b.opts.Store.City == "" || b.opts.Store.Postcode == "" {
		return nil, ErrStoreAddressMissing
	}

	services, err := b.serviceIDs(ctx, in.AgreementID, in.ProductID)
	if err != nil {
		return nil, err
	}

	consignor, consignee := customerParty(in.Order), b.storeParty()
	if b.opts.SwapParties {
		consignor, consignee = consignee, consignor
	}

	res, err := b.carrier.SubmitConsignment(ctx, &cargonizer.Consignment{
		AgreementID:           in.AgreementID,
		ProductID:             in.ProductID,
		Consignor:             consignor,
		Consignee:             consignee,
		WeightKg:              TotalWeight(in.Lines, in.Returned),
		ServiceIDs:            services,
		ProviderName:          b.opts.Store.Name,
		ProviderEmail:         b.opts.Store.Email,
		EmailLabelToConsignee: b.opts.EmailLabel,
		NotifyConsignee:       b.opts.NotifyConsignee,
		ConsignorRef:          in.Order.Number,
		ConsigneeRef:          fmt.Sprintf("Return for order #%d", in.Order.ID),
	})
	if err != nil {
		return nil, err
	}

	out := &BuildResult{
		ConsignmentID: res.ID,
		LabelURL:      res.LabelURL,
		TrackingURL:   res.TrackingURL,
	}

	if b.opts.AutoTransfer && res.ID != "" {
		if err := b.carrier.Transfer(ctx, res.ID); err != nil {
			out.TransferNote = "Cargonizer transfer feilet: " + err.Error()
			b.logger.Warn("consignment transfer failed",
				zap.String("consignment_id", res.ID), zap.Error(err))
		}
	}

	if res.ID != "" {
		if url, file, ok := b.hostLabel(ctx, res.ID, res.LabelURL); ok {
			out.PublicLabelURL = url
			out.LabelFile = file
		}
	}
	return out, nil
}

// hostLabel fetches the canonical PDF, falling back to the raw label URL
// (allow-list enforced), and stores it locally. Total failure is fine:
// the carrier's own URL remains the customer's fallback.
func (b *Builder) hostLabel(ctx context.Context, consignmentID, fallbackURL string) (publicURL, filename string, ok bool) {
	pdf, err := b.carrier.FetchLabelPDF(ctx, consignmentID)
	if err != nil || !cargonizer.LooksLikePDF(pdf) {
		pdf = nil
		if fallbackURL != "" {
			if data, derr := b.carrier.DownloadLabelURL(ctx, fallbackURL); derr == nil && cargonizer.LooksLikePDF(data) {
				pdf = data
			}
		}
	}
	if pdf == nil {
		b.logger.Warn("label hosting skipped, no valid PDF obtained",
			zap.String("consignment_id", consignmentID))
		return "", "", false
	}

	url, file, err := b.labels.Save(pdf)
	if err != nil {
		b.logger.Warn("label hosting failed", zap.Error(err))
		return "", "", false
	}
	return url, file, true
}

// RefreshLabel re-runs the fetch/host step for regeneration. A failed
// refresh returns ok=false so callers can fall back to stored URLs.
func (b *Builder) RefreshLabel(ctx context.Context, consignmentID, fallbackURL string) (publicURL, filename string, ok bool) {
	if consignmentID == "" {
		return "", "", false
	}
	return b.hostLabel(ctx, consignmentID, fallbackURL)
}

var _ labelHost = (*labels.Store)(nil)
