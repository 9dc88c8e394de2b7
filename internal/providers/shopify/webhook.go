package shopify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"loyaltyhub/internal/common/api"
	"loyaltyhub/internal/loyalty"
)

const maxWebhookBytes = 1 << 20

// OrderCustomer is the customer block of an order webhook.
type OrderCustomer struct {
	ID json.Number `json:"id" validate:"required"`
}

// OrderDiscountCode is one entry of an order's discount_codes.
type OrderDiscountCode struct {
	Code string `json:"code"`
}

// OrderPayload is the subset of the Shopify order webhook body we read.
type OrderPayload struct {
	ID            json.Number         `json:"id"`
	OrderNumber   json.Number         `json:"order_number"`
	TotalPrice    decimal.Decimal     `json:"total_price"`
	Gateway       string              `json:"gateway"`
	Customer      *OrderCustomer      `json:"customer"`
	DiscountCodes []OrderDiscountCode `json:"discount_codes"`
}

// ToEvent converts the payload to the loyalty order model.
func (p *OrderPayload) ToEvent() loyalty.OrderEvent {
	ev := loyalty.OrderEvent{
		OrderID:     p.ID.String(),
		OrderNumber: p.OrderNumber.String(),
		TotalPrice:  p.TotalPrice,
		Gateway:     strings.ToLower(strings.TrimSpace(p.Gateway)),
	}
	if p.Customer != nil {
		ev.CustomerID = p.Customer.ID.String()
	}
	for _, dc := range p.DiscountCodes {
		ev.DiscountCodes = append(ev.DiscountCodes, dc.Code)
	}
	return ev
}

// OrderProcessor applies order webhooks to the loyalty program.
type OrderProcessor interface {
	AwardOrder(ctx context.Context, order loyalty.OrderEvent) (*loyalty.AwardResult, error)
	ReverseOrder(ctx context.Context, order loyalty.OrderEvent) (*loyalty.ReversalResult, error)
	ConsumeCodes(ctx context.Context, order loyalty.OrderEvent) []loyalty.CodeResult
}

// WebhookHandler handles Shopify order webhooks.
type WebhookHandler struct {
	processor OrderProcessor
	secret    string
	logger    *slog.Logger
}

// NewWebhookHandler creates a webhook handler. An empty secret disables
// signature verification.
func NewWebhookHandler(processor OrderProcessor, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, secret: secret, logger: logger}
}

// Routes returns the webhook routes
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(VerifyWebhook(h.secret, h.logger))

	r.Post("/order-fulfilled", h.OrderFulfilled)
	r.Post("/order-canceled", h.OrderCanceled)
	r.Post("/discount-code-used", h.DiscountCodeUsed)

	return r
}

// VerifyWebhook checks X-Shopify-Hmac-Sha256 against the raw body and
// restores the body for the next handler.
func VerifyWebhook(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
			if err != nil {
				api.BadRequest(w, "Unable to read request body")
				return
			}
			if !ValidSignature(secret, body, r.Header.Get("X-Shopify-Hmac-Sha256")) {
				logger.Warn("webhook signature mismatch",
					"path", r.URL.Path,
					"topic", r.Header.Get("X-Shopify-Topic"),
					"shop", r.Header.Get("X-Shopify-Shop-Domain"),
				)
				api.Unauthorized(w, "Invalid webhook signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// ValidSignature reports whether signature is the base64 HMAC-SHA256 of body.
func ValidSignature(secret string, body []byte, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// OrderFulfilled handles POST /order-fulfilled
func (h *WebhookHandler) OrderFulfilled(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r, true)
	if !ok {
		return
	}

	result, err := h.processor.AwardOrder(r.Context(), order.ToEvent())
	if err != nil {
		h.writeProcessingError(w, "order-fulfilled", order, err)
		return
	}

	message := "Loyalty points assigned successfully"
	if result.Duplicate {
		message = "Loyalty points already assigned for this order"
	}
	api.WriteData(w, http.StatusOK, struct {
		Message string `json:"message"`
		*loyalty.AwardResult
	}{message, result})
}

// OrderCanceled handles POST /order-canceled
func (h *WebhookHandler) OrderCanceled(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r, true)
	if !ok {
		return
	}

	result, err := h.processor.ReverseOrder(r.Context(), order.ToEvent())
	if err != nil {
		if loyalty.IsKind(err, loyalty.KindNoPointsAccount) {
			api.BadRequest(w, "No loyalty points found")
			return
		}
		h.writeProcessingError(w, "order-canceled", order, err)
		return
	}

	message := "Loyalty points deducted successfully"
	if result.Duplicate {
		message = "Loyalty points already deducted for this order"
	}
	api.WriteData(w, http.StatusOK, struct {
		Message string `json:"message"`
		*loyalty.ReversalResult
	}{message, result})
}

// DiscountCodesResponse is the body returned for discount-code-used.
type DiscountCodesResponse struct {
	Success     bool                 `json:"success"`
	Message     string               `json:"message"`
	OrderID     string               `json:"order_id,omitempty"`
	OrderNumber string               `json:"order_number,omitempty"`
	Results     []loyalty.CodeResult `json:"results,omitempty"`
}

// DiscountCodeUsed handles POST /discount-code-used
func (h *WebhookHandler) DiscountCodeUsed(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r, false)
	if !ok {
		return
	}

	ev := order.ToEvent()
	if len(ev.DiscountCodes) == 0 {
		api.WriteData(w, http.StatusOK, DiscountCodesResponse{Success: true, Message: "No discount codes to process"})
		return
	}

	results := h.processor.ConsumeCodes(r.Context(), ev)
	h.logger.Info("order discount codes processed",
		"order_id", ev.OrderID,
		"codes", len(ev.DiscountCodes),
		"loyalty_codes", len(results),
	)
	api.WriteData(w, http.StatusOK, DiscountCodesResponse{
		Success:     true,
		Message:     "Processed order discount codes",
		OrderID:     ev.OrderID,
		OrderNumber: ev.OrderNumber,
		Results:     results,
	})
}

func (h *WebhookHandler) decodeOrder(w http.ResponseWriter, r *http.Request, requireCustomer bool) (*OrderPayload, bool) {
	var order OrderPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBytes)).Decode(&order); err != nil {
		h.logger.Warn("invalid webhook payload", "path", r.URL.Path, "error", err)
		api.BadRequest(w, "Invalid order data")
		return nil, false
	}
	if requireCustomer {
		if order.Customer == nil || api.Validate.Struct(order.Customer) != nil {
			api.BadRequest(w, "Invalid order data")
			return nil, false
		}
	}
	return &order, true
}

func (h *WebhookHandler) writeProcessingError(w http.ResponseWriter, topic string, order *OrderPayload, err error) {
	if rerr, ok := loyalty.AsRedemptionError(err); ok && rerr.Kind == loyalty.KindValidation {
		api.BadRequest(w, rerr.Message)
		return
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		h.logger.Error("shopify call failed during webhook",
			"topic", topic,
			"order_id", order.ID.String(),
			"status", apiErr.StatusCode,
			"error", err,
		)
	} else {
		h.logger.Error("webhook processing failed", "topic", topic, "order_id", order.ID.String(), "error", err)
	}
	api.InternalError(w, "Error processing webhook")
}
