package cargonizer

import (
	"context"
	"net/http"
)

// TransportAgreement is one carrier contract with its orderable products.
type TransportAgreement struct {
	ID          string
	CarrierName string
	Products    []Product
}

type Product struct {
	ID       string
	Name     string
	Services []Service
}

type Service struct {
	ID   string
	Name string
}

// Carriers label services with either <identifier> or <id> depending on
// endpoint vintage, so both are read and the first non-empty wins.
type agreementXML struct {
	ID      string `xml:"id"`
	Carrier struct {
		Name string `xml:"name"`
	} `xml:"carrier"`
	Products []struct {
		Identifier string `xml:"identifier"`
		ID         string `xml:"id"`
		Name       string `xml:"name"`
		Services   []struct {
			Identifier string `xml:"identifier"`
			ID         string `xml:"id"`
			Name       string `xml:"name"`
		} `xml:"services>service"`
	} `xml:"products>product"`
}

type agreementsDocXML struct {
	Agreements []agreementXML `xml:"transport-agreement"`
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// FetchAgreements pulls and parses the live transport-agreement catalog.
func (c *Client) FetchAgreements(ctx context.Context) ([]TransportAgreement, error) {
	body, err := c.Request(ctx, http.MethodGet, "transport_agreements.xml", nil, nil, "application/xml")
	if err != nil {
		return nil, err
	}
	return c.parseAgreements(body)
}

func (c *Client) parseAgreements(body []byte) ([]TransportAgreement, error) {
	var doc agreementsDocXML
	if err := c.ParseXML(body, &doc); err != nil {
		return nil, err
	}

	out := make([]TransportAgreement, 0, len(doc.Agreements))
	for _, ag := range doc.Agreements {
		a := TransportAgreement{ID: ag.ID, CarrierName: ag.Carrier.Name}
		for _, p := range ag.Products {
			prod := Product{
				ID:   firstNonEmpty(p.Identifier, p.ID),
				Name: p.Name,
			}
			for _, s := range p.Services {
				sid := firstNonEmpty(s.Identifier, s.ID)
				if sid == "" {
					continue
				}
				name := s.Name
				if name == "" {
					name = sid
				}
				prod.Services = append(prod.Services, Service{ID: sid, Name: name})
			}
			a.Products = append(a.Products, prod)
		}
		out = append(out, a)
	}
	return out, nil
}

// FilterAllowed keeps only products whose "agreementID|productID" key is on
// the store's allow-list. Agreements losing every product stay in the list
// with an empty product slice.
func FilterAllowed(all []TransportAgreement, allowed []string) []TransportAgreement {
	set := make(map[string]bool, len(allowed))
	for _, key := range allowed {
		set[key] = true
	}

	filtered := make([]TransportAgreement, 0, len(all))
	for _, ag := range all {
		cp := ag
		cp.Products = nil
		for _, p := range ag.Products {
			if set[ag.ID+"|"+p.ID] {
				cp.Products = append(cp.Products, p)
			}
		}
		filtered = append(filtered, cp)
	}
	return filtered
}

// FindProduct locates a product within an agreement list.
func FindProduct(agreements []TransportAgreement, agreementID, productID string) (*Product, bool) {
	for i := range agreements {
		if agreements[i].ID != agreementID {
			continue
		}
		for j := range agreements[i].Products {
			if agreements[i].Products[j].ID == productID {
				return &agreements[i].Products[j], true
			}
		}
	}
	return nil, false
}
