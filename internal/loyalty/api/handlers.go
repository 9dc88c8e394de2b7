// Package api exposes the storefront redemption endpoints, customer lookups
// and admin maintenance routes over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"loyaltyhub/internal/common/api"
	"loyaltyhub/internal/loyalty"
	"loyaltyhub/internal/providers/shopify"
)

const maxFormBytes = 64 << 10

// ScopeProber checks the platform credentials and permissions.
type ScopeProber interface {
	ProbeScopes(ctx context.Context) *shopify.ScopeReport
}

// Info is shown on the status page.
type Info struct {
	StoreURLConfigured    bool
	AccessTokenConfigured bool
	Storage               string
}

// Handler handles loyalty HTTP requests
type Handler struct {
	service *loyalty.Service
	prober  ScopeProber
	info    Info
	logger  *slog.Logger
}

// NewHandler creates a new loyalty handler. prober may be nil when the
// platform is not configured.
func NewHandler(service *loyalty.Service, prober ScopeProber, info Info, logger *slog.Logger) *Handler {
	return &Handler{service: service, prober: prober, info: info, logger: logger}
}

// Routes returns the loyalty routes. redeemGuard wraps the redemption
// endpoints and adminGuard the maintenance endpoints.
func (h *Handler) Routes(redeemGuard, adminGuard func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	// Storefront
	r.Group(func(r chi.Router) {
		r.Use(redeemGuard)
		r.Get("/loyalty/redeem", h.RedeemPage)
		r.Post("/loyalty/redeem", h.Redeem)
	})
	r.Get("/customer/{id}/points", h.GetPoints)
	r.Get("/customer/{id}/active-discounts", h.GetActiveDiscounts)
	r.Get("/loyalty-info", h.StatusPage)

	// Admin
	r.Route("/admin", func(r chi.Router) {
		r.Use(adminGuard)
		r.Get("/cleanup-expired", h.CleanupExpired)
		r.Get("/cleanup-used", h.CleanupUsed)
		r.Get("/app-config", h.AppConfig)
	})

	return r
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n)
	return nil
}

// RedeemForm is the redemption request as sent by the storefront, either as
// query parameters, a form body or JSON.
type RedeemForm struct {
	CustomerID     flexString `json:"customerId" validate:"max=64"`
	PointsToRedeem flexString `json:"pointsToRedeem" validate:"max=20"`
	OrderValue     flexString `json:"orderValue" validate:"max=32"`
	CartToken      flexString `json:"cartToken" validate:"max=255"`
}

func parseRedeemForm(r *http.Request) (RedeemForm, error) {
	var form RedeemForm
	if r.Method == http.MethodPost {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/json" {
			if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBytes)).Decode(&form); err != nil {
				return form, err
			}
			return form, api.Validate.Struct(form)
		}
		r.Body = io.NopCloser(io.LimitReader(r.Body, maxFormBytes))
		if err := r.ParseForm(); err != nil {
			return form, err
		}
	}

	form = RedeemForm{
		CustomerID:     flexString(r.FormValue("customerId")),
		PointsToRedeem: flexString(r.FormValue("pointsToRedeem")),
		OrderValue:     flexString(r.FormValue("orderValue")),
		CartToken:      flexString(r.FormValue("cartToken")),
	}
	return form, api.Validate.Struct(form)
}

func (h *Handler) redeem(r *http.Request) (*loyalty.RedeemResult, error) {
	form, err := parseRedeemForm(r)
	if err != nil {
		return nil, err
	}
	req, err := loyalty.ParseRedeemRequest(string(form.CustomerID), string(form.PointsToRedeem),
		string(form.OrderValue), string(form.CartToken))
	if err != nil {
		return nil, err
	}
	return h.service.Redeem(r.Context(), req)
}

type redeemedPage struct {
	*loyalty.RedeemResult
	Currency         string
	Remaining        string
	ExpiresAtRFC3339 string
}

type errorPage struct {
	Message      string
	ExistingCode string
}

// RedeemPage handles GET /loyalty/redeem and renders the outcome as HTML.
func (h *Handler) RedeemPage(w http.ResponseWriter, r *http.Request) {
	result, err := h.redeem(r)
	if err != nil {
		status, _, message, _ := h.describeError(r, err)
		page := errorPage{Message: message}
		if rerr, ok := loyalty.AsRedemptionError(err); ok && rerr.Kind == loyalty.KindConflict {
			page.ExistingCode = rerr.ExistingCode
		}
		renderPage(w, status, "error", page)
		return
	}

	remaining := time.Until(result.ExpiresAt).Round(time.Second)
	if remaining < 0 {
		remaining = 0
	}
	renderPage(w, http.StatusOK, "redeemed", redeemedPage{
		RedeemResult:     result,
		Currency:         h.service.CurrencySymbol(),
		Remaining:        formatCountdown(remaining),
		ExpiresAtRFC3339: result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func formatCountdown(d time.Duration) string {
	secs := int(d / time.Second)
	s := strconv.Itoa(secs % 60)
	if len(s) == 1 {
		s = "0" + s
	}
	return strconv.Itoa(secs/60) + ":" + s
}

// Redeem handles POST /loyalty/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	result, err := h.redeem(r)
	if err != nil {
		if api.IsValidationError(err) {
			api.ValidationError(w, err)
			return
		}
		status, code, message, details := h.describeError(r, err)
		if details != nil {
			api.WriteErrorWithDetails(w, status, code, message, details)
			return
		}
		api.WriteError(w, status, code, message)
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// describeError maps a redemption failure to its HTTP status, error code,
// customer-facing message and details.
func (h *Handler) describeError(r *http.Request, err error) (int, string, string, map[string]string) {
	rerr, ok := loyalty.AsRedemptionError(err)
	if !ok {
		if api.IsValidationError(err) {
			return http.StatusUnprocessableEntity, api.ErrCodeValidation, "Invalid redemption request", nil
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return http.StatusBadRequest, api.ErrCodeBadRequest, "Invalid request body", nil
		}
		h.logger.Error("redemption request failed", "path", r.URL.Path, "error", err)
		return http.StatusInternalServerError, api.ErrCodeInternalError, "An unexpected error occurred", nil
	}

	switch rerr.Kind {
	case loyalty.KindValidation:
		return http.StatusUnprocessableEntity, api.ErrCodeValidation, rerr.Message, nil
	case loyalty.KindConflict:
		var details map[string]string
		if rerr.ExistingCode != "" {
			details = map[string]string{
				"existing_code": rerr.ExistingCode,
				"expires_at":    rerr.ExpiresAt.UTC().Format(time.RFC3339),
			}
		}
		return http.StatusConflict, api.ErrCodeConflict, rerr.Message, details
	case loyalty.KindNoPointsAccount:
		return http.StatusNotFound, api.ErrCodeNoPointsAccount, rerr.Message, nil
	case loyalty.KindInsufficientPoints:
		return http.StatusUnprocessableEntity, api.ErrCodeInsufficientPoints, rerr.Message,
			map[string]string{"available": strconv.FormatInt(rerr.Limit, 10)}
	case loyalty.KindPolicyViolation:
		if rerr.Limit > 0 {
			return http.StatusUnprocessableEntity, api.ErrCodePolicyViolation, rerr.Message,
				map[string]string{"max_redeemable": strconv.FormatInt(rerr.Limit, 10)}
		}
		return http.StatusUnprocessableEntity, api.ErrCodePolicyViolation, rerr.Message, nil
	case loyalty.KindProvisioning:
		return http.StatusBadGateway, api.ErrCodeProvisioning, rerr.Message, nil
	case loyalty.KindRecording:
		return http.StatusInternalServerError, api.ErrCodeRecording, rerr.Message, nil
	case loyalty.KindLedgerUpdate:
		return http.StatusInternalServerError, api.ErrCodeLedgerUpdate, rerr.Message, map[string]string{
			"discount_code": rerr.Code,
			"expires_at":    rerr.ExpiresAt.UTC().Format(time.RFC3339),
		}
	default:
		return http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, rerr.Message, nil
	}
}

// PointsResponse is returned by GET /customer/{id}/points.
type PointsResponse struct {
	CustomerID    string `json:"customer_id"`
	LoyaltyPoints int64  `json:"loyalty_points"`
}

// GetPoints handles GET /customer/{id}/points
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := h.service.Balance(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, loyalty.ErrNoPointsAccount):
			api.WriteError(w, http.StatusNotFound, api.ErrCodeNoPointsAccount, "No loyalty points found for this customer")
		case loyalty.IsKind(err, loyalty.KindValidation):
			api.BadRequest(w, "customer ID required")
		default:
			h.logger.Error("failed to load points", "customer_id", id, "error", err)
			api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "Unable to load loyalty points")
		}
		return
	}

	api.WriteData(w, http.StatusOK, PointsResponse{CustomerID: account.CustomerID, LoyaltyPoints: account.Points})
}

// ActiveDiscountsResponse is returned by GET /customer/{id}/active-discounts.
type ActiveDiscountsResponse struct {
	HasActiveDiscount   bool                    `json:"has_active_discount"`
	ActiveDiscount      *loyalty.RedemptionHold `json:"active_discount,omitempty"`
	ActiveDiscountCount int                     `json:"active_discount_count,omitempty"`
}

// GetActiveDiscounts handles GET /customer/{id}/active-discounts
func (h *Handler) GetActiveDiscounts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	active, err := h.service.ActiveDiscount(r.Context(), id)
	if err != nil {
		if loyalty.IsKind(err, loyalty.KindValidation) {
			api.BadRequest(w, "customer ID required")
			return
		}
		h.logger.Error("failed to look up active discounts", "customer_id", id, "error", err)
		api.InternalError(w, "failed to check active discounts")
		return
	}

	api.WriteData(w, http.StatusOK, ActiveDiscountsResponse{
		HasActiveDiscount:   active.Active(),
		ActiveDiscount:      active.Hold,
		ActiveDiscountCount: active.RemoteCount,
	})
}

// CleanupExpiredResponse is returned by GET /admin/cleanup-expired.
type CleanupExpiredResponse struct {
	Message string                  `json:"message"`
	Cleaned int                     `json:"cleaned"`
	Failed  int                     `json:"failed"`
	Results []loyalty.CleanupResult `json:"results"`
}

// CleanupExpired handles GET /admin/cleanup-expired
func (h *Handler) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.CleanupExpired(r.Context())
	if err != nil {
		h.logger.Error("expired cleanup failed", "error", err)
		api.InternalError(w, "failed to clean up expired discounts")
		return
	}

	resp := CleanupExpiredResponse{Message: "Expired discounts cleaned up", Results: results}
	if resp.Results == nil {
		resp.Results = []loyalty.CleanupResult{}
	}
	for _, res := range results {
		if res.Error != "" {
			resp.Failed++
		} else {
			resp.Cleaned++
		}
	}
	api.WriteData(w, http.StatusOK, resp)
}

// CleanupUsed handles GET /admin/cleanup-used
func (h *Handler) CleanupUsed(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.CleanupUsed(r.Context())
	if err != nil {
		h.logger.Error("used cleanup failed", "error", err)
		api.InternalError(w, "failed to clean up used discounts")
		return
	}

	api.WriteData(w, http.StatusOK, map[string]any{
		"message": "Used discounts cleaned up",
		"removed": removed,
	})
}

// AppConfig handles GET /admin/app-config
func (h *Handler) AppConfig(w http.ResponseWriter, r *http.Request) {
	if h.prober == nil {
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "Shopify credentials are not configured")
		return
	}
	api.WriteData(w, http.StatusOK, h.prober.ProbeScopes(r.Context()))
}

type statusPage struct {
	Info
	Now           string
	CodePrefix    string
	Currency      string
	MinOrderValue string
}

// StatusPage handles GET /loyalty-info
func (h *Handler) StatusPage(w http.ResponseWriter, r *http.Request) {
	renderPage(w, http.StatusOK, "info", statusPage{
		Info:          h.info,
		Now:           time.Now().UTC().Format(time.RFC3339),
		CodePrefix:    h.service.Codes().Prefix(),
		Currency:      h.service.CurrencySymbol(),
		MinOrderValue: h.service.Policy().Config().MinOrderValue.String(),
	})
}
