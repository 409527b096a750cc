package cargonizer

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Party is one side of the shipment. Company, Email and Mobile are omitted
// from the XML when empty.
type Party struct {
	Name     string
	Company  string
	Address1 string
	Address2 string
	Postcode string
	City     string
	Country  string
	Email    string
	Mobile   string
}

// Consignment is the input for one label creation call.
type Consignment struct {
	AgreementID           string
	ProductID             string
	Consignor             Party
	Consignee             Party
	WeightKg              float64
	ServiceIDs            []string
	ProviderName          string
	ProviderEmail         string
	EmailLabelToConsignee bool
	NotifyConsignee       bool
	ConsignorRef          string
	ConsigneeRef          string
}

// ConsignmentResult carries what could be extracted from the carrier's
// response. Fields may be empty individually; ID is required downstream.
type ConsignmentResult struct {
	ID          string
	LabelURL    string
	TrackingURL string
}

type partyXML struct {
	Name     string `xml:"name"`
	Company  string `xml:"company,omitempty"`
	Address1 string `xml:"address1"`
	Address2 string `xml:"address2"`
	Postcode string `xml:"postcode"`
	City     string `xml:"city"`
	Country  string `xml:"country"`
	Email    string `xml:"email,omitempty"`
	Mobile   string `xml:"mobile,omitempty"`
}

type valueXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type itemXML struct {
	Type   string `xml:"type,attr"`
	Amount int    `xml:"amount,attr"`
	Weight string `xml:"weight,attr"`
}

type serviceRefXML struct {
	ID string `xml:"id,attr"`
}

// Field order below is the element order the carrier expects.
type consignmentXML struct {
	TransportAgreement string     `xml:"transport_agreement,attr"`
	Print              string     `xml:"print,attr"`
	Estimate           string     `xml:"estimate,attr"`
	Transfer           string     `xml:"transfer,attr"`
	Values             []valueXML `xml:"values>value"`
	EmailLabel         bool       `xml:"email-label-to-consignee"`
	Product            string     `xml:"product"`
	EmailNotification  bool       `xml:"email-notification-to-consignee"`
	Consignor          partyXML   `xml:"parts>consignor"`
	Consignee          partyXML   `xml:"parts>consignee"`
	Items              []itemXML  `xml:"items>item"`
	Services           *struct {
		Service []serviceRefXML `xml:"service"`
	} `xml:"services,omitempty"`
	ConsignorRef string `xml:"references>consignor"`
	ConsigneeRef string `xml:"references>consignee"`
}

type consignmentsXML struct {
	XMLName     xml.Name       `xml:"consignments"`
	Consignment consignmentXML `xml:"consignment"`
}

func toPartyXML(p Party) partyXML {
	return partyXML{
		Name: p.Name, Company: p.Company,
		Address1: p.Address1, Address2: p.Address2,
		Postcode: p.Postcode, City: p.City, Country: p.Country,
		Email: p.Email, Mobile: p.Mobile,
	}
}

func buildConsignmentXML(in *Consignment) ([]byte, error) {
	doc := consignmentsXML{
		Consignment: consignmentXML{
			TransportAgreement: in.AgreementID,
			Print:              "false",
			Estimate:           "false",
			// transfer stays false; transfers go through the dedicated
			// endpoint when enabled.
			Transfer: "false",
			Values: []valueXML{
				{Name: "provider", Value: in.ProviderName},
				{Name: "provider-email", Value: in.ProviderEmail},
			},
			EmailLabel:        in.EmailLabelToConsignee,
			Product:           in.ProductID,
			EmailNotification: in.NotifyConsignee,
			Consignor:         toPartyXML(in.Consignor),
			Consignee:         toPartyXML(in.Consignee),
			Items: []itemXML{
				{Type: "package", Amount: 1, Weight: fmt.Sprintf("%.2f", in.WeightKg)},
			},
			ConsignorRef: in.ConsignorRef,
			ConsigneeRef: in.ConsigneeRef,
		},
	}
	if len(in.ServiceIDs) > 0 {
		doc.Consignment.Services = &struct {
			Service []serviceRefXML `xml:"service"`
		}{}
		for _, id := range in.ServiceIDs {
			doc.Consignment.Services.Service = append(doc.Consignment.Services.Service, serviceRefXML{ID: id})
		}
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// SubmitConsignment creates the consignment with the carrier and extracts
// id, label reference and tracking link from the response.
func (c *Client) SubmitConsignment(ctx context.Context, in *Consignment) (*ConsignmentResult, error) {
	body, err := buildConsignmentXML(in)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Admin: "Kunne ikke bygge forsendelses-XML: " + err.Error()}
	}

	resp, err := c.Request(ctx, http.MethodPost, "consignments.xml", body, nil, "application/xml")
	if err != nil {
		return nil, err
	}

	result, err := extractConsignmentResult(resp)
	if err != nil {
		return nil, &Error{Kind: KindParse, Admin: "Kunne ikke tolke respons fra transportør."}
	}
	return result, nil
}

// Transfer triggers carrier-side booking of already created consignments.
func (c *Client) Transfer(ctx context.Context, consignmentIDs ...string) error {
	ids := make([]string, 0, len(consignmentIDs))
	for _, id := range consignmentIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return &Error{Kind: KindConfig, Admin: "Ingen consignment IDs gitt"}
	}

	query := url.Values{"consignment_ids[]": ids}
	_, err := c.Request(ctx, http.MethodPost, "consignments/transfer.xml", nil, query, "application/xml")
	return err
}

// FetchLabelPDF downloads the canonical label through the official endpoint.
func (c *Client) FetchLabelPDF(ctx context.Context, consignmentID string) ([]byte, error) {
	query := url.Values{"consignment_ids[]": []string{consignmentID}}
	return c.Request(ctx, http.MethodGet, "consignments/label_pdf", nil, query, "application/pdf")
}

// DownloadLabelURL fetches a raw label URL returned by the carrier. The
// allow-list check in Request still applies, so off-list hosts are refused.
func (c *Client) DownloadLabelURL(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return nil, &Error{Kind: KindSecurity, Admin: "Ugyldig etikett-URL: " + rawURL}
	}
	return c.Request(ctx, http.MethodGet, rawURL, nil, nil, "application/pdf")
}

// Carrier responses do not use stable field names across versions, so each
// field is resolved by trying candidate element names in order.
func extractConsignmentResult(body []byte) (*ConsignmentResult, error) {
	type leaf struct {
		path string
		text string
	}
	var leaves []leaf

	dec := xml.NewDecoder(bytes.NewReader(body))
	var stack []string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(stack) > 0 {
				leaves = append(leaves, leaf{
					path: strings.Join(stack, "/"),
					text: strings.TrimSpace(text.String()),
				})
				stack = stack[:len(stack)-1]
			}
			text.Reset()
		}
	}

	first := func(match func(leaf) bool) string {
		for _, l := range leaves {
			if l.text != "" && match(l) {
				return l.text
			}
		}
		return ""
	}
	named := func(name string) func(leaf) bool {
		return func(l leaf) bool { return strings.HasSuffix(l.path, "/"+name) || l.path == name }
	}

	result := &ConsignmentResult{}

	result.ID = first(func(l leaf) bool { return strings.HasSuffix(l.path, "consignment/id") })
	if result.ID == "" {
		result.ID = first(named("id"))
	}

	result.LabelURL = first(named("consignment-pdf"))
	if result.LabelURL == "" {
		result.LabelURL = first(named("label"))
	}
	if result.LabelURL == "" {
		result.LabelURL = first(func(l leaf) bool {
			return named("document")(l) && strings.Contains(l.text, ".pdf")
		})
	}

	result.TrackingURL = first(named("tracking-link"))
	if result.TrackingURL == "" {
		result.TrackingURL = first(named("tracking-url"))
	}

	return result, nil
}
