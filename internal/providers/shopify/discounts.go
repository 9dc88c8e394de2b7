package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"loyaltyhub/internal/loyalty"
)

const redemptionTitlePrefix = "Loyalty Redemption"

type priceRule struct {
	ID                        json.Number    `json:"id,omitempty"`
	Title                     string         `json:"title"`
	TargetType                string         `json:"target_type"`
	TargetSelection           string         `json:"target_selection"`
	AllocationMethod          string         `json:"allocation_method"`
	ValueType                 string         `json:"value_type"`
	Value                     string         `json:"value"`
	CustomerSelection         string         `json:"customer_selection"`
	PrerequisiteCustomerIDs   []json.Number  `json:"prerequisite_customer_ids,omitempty"`
	PrerequisiteSubtotalRange *subtotalRange `json:"prerequisite_subtotal_range,omitempty"`
	StartsAt                  time.Time      `json:"starts_at"`
	EndsAt                    *time.Time     `json:"ends_at,omitempty"`
	UsageLimit                *int           `json:"usage_limit,omitempty"`
	OncePerCustomer           bool           `json:"once_per_customer"`
}

type subtotalRange struct {
	GreaterThanOrEqualTo string `json:"greater_than_or_equal_to"`
}

type priceRuleEnvelope struct {
	PriceRule priceRule `json:"price_rule"`
}

type discountCode struct {
	ID   json.Number `json:"id,omitempty"`
	Code string      `json:"code"`
}

type discountCodeEnvelope struct {
	DiscountCode discountCode `json:"discount_code"`
}

var _ loyalty.DiscountProvisioner = (*Adapter)(nil)

func redemptionTitle(customerID, cartToken string, points int64) string {
	return fmt.Sprintf("%s - Customer:%s - Cart:%s - Points:%d", redemptionTitlePrefix, customerID, cartToken, points)
}

// Create provisions a single-use, customer-bound fixed-amount discount worth
// one currency unit per point. If the code cannot be attached, the price
// rule is deleted before returning.
func (a *Adapter) Create(ctx context.Context, spec loyalty.DiscountSpec) (*loyalty.ProvisionedDiscount, error) {
	usageLimit := 1
	endsAt := spec.EndsAt.UTC()
	rule := priceRule{
		Title:             redemptionTitle(spec.CustomerID, spec.CartToken, spec.Points),
		TargetType:        "line_item",
		TargetSelection:   "all",
		AllocationMethod:  "across",
		ValueType:         "fixed_amount",
		Value:             "-" + strconv.FormatInt(spec.Points, 10),
		CustomerSelection: "prerequisite",
		PrerequisiteCustomerIDs: []json.Number{
			json.Number(spec.CustomerID),
		},
		StartsAt:        spec.StartsAt.UTC(),
		EndsAt:          &endsAt,
		UsageLimit:      &usageLimit,
		OncePerCustomer: true,
	}
	if spec.MinSubtotal.IsPositive() {
		rule.PrerequisiteSubtotalRange = &subtotalRange{GreaterThanOrEqualTo: spec.MinSubtotal.String()}
	}

	priceRuleID, err := a.createPriceRule(ctx, rule)
	if err != nil {
		return nil, err
	}

	code, err := a.createDiscountCode(ctx, priceRuleID, spec.Code)
	if err != nil {
		if derr := a.Delete(context.WithoutCancel(ctx), priceRuleID); derr != nil {
			a.logger.Error("failed to delete price rule after discount code failure",
				"price_rule_id", priceRuleID,
				"error", derr,
			)
		}
		return nil, err
	}

	a.logger.Info("discount provisioned",
		"customer_id", spec.CustomerID,
		"price_rule_id", priceRuleID,
		"code", code,
		"ends_at", endsAt,
	)
	return &loyalty.ProvisionedDiscount{Code: code, PriceRuleID: priceRuleID}, nil
}

func (a *Adapter) createPriceRule(ctx context.Context, rule priceRule) (string, error) {
	var resp priceRuleEnvelope
	if err := a.do(ctx, http.MethodPost, "/price_rules.json", priceRuleEnvelope{PriceRule: rule}, &resp); err != nil {
		return "", fmt.Errorf("create price rule: %w", err)
	}
	id := resp.PriceRule.ID.String()
	if id == "" {
		return "", fmt.Errorf("create price rule: response has no id")
	}
	return id, nil
}

func (a *Adapter) createDiscountCode(ctx context.Context, priceRuleID, code string) (string, error) {
	var resp discountCodeEnvelope
	path := "/price_rules/" + url.PathEscape(priceRuleID) + "/discount_codes.json"
	req := discountCodeEnvelope{DiscountCode: discountCode{Code: code}}
	if err := a.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", fmt.Errorf("create discount code: %w", err)
	}
	if resp.DiscountCode.Code != "" {
		return resp.DiscountCode.Code, nil
	}
	return code, nil
}

// Delete removes a price rule and its codes. An unknown rule counts as deleted.
func (a *Adapter) Delete(ctx context.Context, priceRuleID string) error {
	path := "/price_rules/" + url.PathEscape(priceRuleID) + ".json"
	if err := a.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete price rule: %w", err)
	}
	return nil
}

// ListActive counts the customer's redemption price rules live at now.
func (a *Adapter) ListActive(ctx context.Context, customerID string, now time.Time) (int, error) {
	var resp struct {
		PriceRules []priceRule `json:"price_rules"`
	}
	if err := a.do(ctx, http.MethodGet, "/price_rules.json?limit=250", nil, &resp); err != nil {
		return 0, fmt.Errorf("list price rules: %w", err)
	}

	marker := "Customer:" + customerID + " "
	n := 0
	for _, r := range resp.PriceRules {
		if !strings.HasPrefix(r.Title, redemptionTitlePrefix) || !strings.Contains(r.Title, marker) {
			continue
		}
		if now.Before(r.StartsAt) {
			continue
		}
		if r.EndsAt != nil && !now.Before(*r.EndsAt) {
			continue
		}
		n++
	}
	return n, nil
}

// ScopeReport is the outcome of probing the app's API permissions.
type ScopeReport struct {
	Shop                 *ShopInfo `json:"shop,omitempty"`
	PriceRuleCreation    bool      `json:"price_rule_creation"`
	DiscountCodeCreation bool      `json:"discount_code_creation"`
	CleanedUp            bool      `json:"cleaned_up"`
	Error                string    `json:"error,omitempty"`
	RecommendedScopes    []string  `json:"recommended_scopes"`
}

// ProbeScopes verifies the credentials and the discount scopes by creating a
// throwaway price rule and code, then deleting them.
func (a *Adapter) ProbeScopes(ctx context.Context) *ScopeReport {
	report := &ScopeReport{
		RecommendedScopes: []string{
			"read_customers",
			"write_customers",
			"read_price_rules",
			"write_price_rules",
			"read_discounts",
			"write_discounts",
		},
	}

	shop, err := a.Shop(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Shop = shop

	now := time.Now().UTC()
	endsAt := now.Add(time.Hour)
	usageLimit := 1
	priceRuleID, err := a.createPriceRule(ctx, priceRule{
		Title:             "Debug Price Rule - " + now.Format(time.RFC3339),
		TargetType:        "line_item",
		TargetSelection:   "all",
		AllocationMethod:  "across",
		ValueType:         "fixed_amount",
		Value:             "-10",
		CustomerSelection: "all",
		StartsAt:          now,
		EndsAt:            &endsAt,
		UsageLimit:        &usageLimit,
	})
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.PriceRuleCreation = true

	if _, err := a.createDiscountCode(ctx, priceRuleID, "DEBUG-"+ulid.Make().String()); err != nil {
		report.Error = err.Error()
	} else {
		report.DiscountCodeCreation = true
	}

	if err := a.Delete(ctx, priceRuleID); err != nil {
		a.logger.Warn("failed to delete probe price rule", "price_rule_id", priceRuleID, "error", err)
	} else {
		report.CleanedUp = true
	}
	return report
}
