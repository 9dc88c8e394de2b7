package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"loyaltyhub/internal/loyalty"
)

const (
	pointsNamespace = "loyalty"
	pointsKey       = "points"
	pointsType      = "number_integer"
)

type metafield struct {
	ID            json.Number     `json:"id,omitempty"`
	Namespace     string          `json:"namespace"`
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value"`
	Type          string          `json:"type,omitempty"`
	OwnerResource string          `json:"owner_resource,omitempty"`
	OwnerID       json.Number     `json:"owner_id,omitempty"`
}

type metafieldEnvelope struct {
	Metafield metafield `json:"metafield"`
}

var _ loyalty.PointsLedger = (*Adapter)(nil)

// GetPoints reads the loyalty.points metafield of a customer.
func (a *Adapter) GetPoints(ctx context.Context, customerID string) (*loyalty.PointsAccount, error) {
	var resp struct {
		Metafields []metafield `json:"metafields"`
	}
	path := "/customers/" + url.PathEscape(customerID) + "/metafields.json"
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get customer metafields: %w", err)
	}

	for _, m := range resp.Metafields {
		if m.Namespace != pointsNamespace || m.Key != pointsKey {
			continue
		}
		points, err := parsePoints(m.Value)
		if err != nil {
			return nil, fmt.Errorf("customer %s metafield %s: %w", customerID, m.ID, err)
		}
		return &loyalty.PointsAccount{
			CustomerID:  customerID,
			MetafieldID: m.ID.String(),
			Points:      points,
		}, nil
	}
	return nil, loyalty.ErrNoPointsAccount
}

// SetPoints writes the balance, creating the metafield on first write.
func (a *Adapter) SetPoints(ctx context.Context, account *loyalty.PointsAccount, points int64) error {
	m := metafield{
		Namespace: pointsNamespace,
		Key:       pointsKey,
		Value:     json.RawMessage(strconv.Quote(strconv.FormatInt(points, 10))),
		Type:      pointsType,
	}

	var resp metafieldEnvelope
	if account.MetafieldID != "" {
		m.ID = json.Number(account.MetafieldID)
		path := "/metafields/" + url.PathEscape(account.MetafieldID) + ".json"
		if err := a.do(ctx, http.MethodPut, path, metafieldEnvelope{Metafield: m}, &resp); err != nil {
			return fmt.Errorf("update points metafield: %w", err)
		}
	} else {
		m.OwnerResource = "customer"
		m.OwnerID = json.Number(account.CustomerID)
		if err := a.do(ctx, http.MethodPost, "/metafields.json", metafieldEnvelope{Metafield: m}, &resp); err != nil {
			return fmt.Errorf("create points metafield: %w", err)
		}
	}

	if id := resp.Metafield.ID.String(); id != "" {
		account.MetafieldID = id
	}
	account.Points = points

	a.logger.Debug("points metafield written",
		"customer_id", account.CustomerID,
		"metafield_id", account.MetafieldID,
		"points", points,
	)
	return nil
}

// parsePoints accepts the value as a JSON string or number.
func parsePoints(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	if s == "" || s == "null" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid points value %q", s)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}
