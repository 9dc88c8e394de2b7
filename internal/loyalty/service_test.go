package loyalty_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyhub/internal/common/events"
	"loyaltyhub/internal/loyalty"
	"loyaltyhub/internal/loyalty/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*loyalty.PointsAccount
	getErr   error
	setErr   error
	writes   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[string]*loyalty.PointsAccount)}
}

func (l *fakeLedger) seed(customerID string, points int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[customerID] = &loyalty.PointsAccount{CustomerID: customerID, MetafieldID: "mf-" + customerID, Points: points}
}

func (l *fakeLedger) points(customerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[customerID]; ok {
		return a.Points
	}
	return -1
}

func (l *fakeLedger) GetPoints(ctx context.Context, customerID string) (*loyalty.PointsAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getErr != nil {
		return nil, l.getErr
	}
	a, ok := l.accounts[customerID]
	if !ok {
		return nil, loyalty.ErrNoPointsAccount
	}
	c := *a
	return &c, nil
}

func (l *fakeLedger) SetPoints(ctx context.Context, account *loyalty.PointsAccount, points int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setErr != nil {
		return l.setErr
	}
	l.writes++
	stored, ok := l.accounts[account.CustomerID]
	if !ok {
		stored = &loyalty.PointsAccount{CustomerID: account.CustomerID, MetafieldID: "mf-" + account.CustomerID}
		l.accounts[account.CustomerID] = stored
	}
	stored.Points = points
	account.Points = points
	account.MetafieldID = stored.MetafieldID
	return nil
}

type fakeProvisioner struct {
	mu        sync.Mutex
	created   []loyalty.DiscountSpec
	deleted   []string
	createErr error
	deleteErr error
	active    int
}

func (p *fakeProvisioner) Create(ctx context.Context, spec loyalty.DiscountSpec) (*loyalty.ProvisionedDiscount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, spec)
	return &loyalty.ProvisionedDiscount{Code: spec.Code, PriceRuleID: fmt.Sprintf("pr-%d", len(p.created))}, nil
}

func (p *fakeProvisioner) Delete(ctx context.Context, priceRuleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, priceRuleID)
	return p.deleteErr
}

func (p *fakeProvisioner) ListActive(ctx context.Context, customerID string, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, nil
}

func (p *fakeProvisioner) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

func (p *fakeProvisioner) deletedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

// failingRecordStore rejects every Record.
type failingRecordStore struct {
	*store.MemoryStore
}

func (s failingRecordStore) Record(ctx context.Context, reservationID string, hold *loyalty.RedemptionHold) error {
	return errors.New("disk full")
}

type capturePublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *capturePublisher) Publish(ctx context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, event.Type)
	return nil
}

func (p *capturePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) RedemptionFinished(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}
func (m *countingMetrics) HoldsSwept(string, int) {}
func (m *countingMetrics) PointsAdjusted(string, int64) {}

type harness struct {
	svc         *loyalty.Service
	holds       *store.MemoryStore
	ledger      *fakeLedger
	provisioner *fakeProvisioner
	publisher   *capturePublisher
	metrics     *countingMetrics
	clock       *clock
}

func newHarness(t *testing.T, wrap func(*store.MemoryStore) loyalty.HoldStore) *harness {
	t.Helper()
	c := &clock{now: t0}
	holds := store.NewMemoryStore()
	holds.SetClock(c.Now)

	var hs loyalty.HoldStore = holds
	if wrap != nil {
		hs = wrap(holds)
	}

	pcfg := loyalty.DefaultPolicyConfig()
	pcfg.EarnMode = loyalty.EarnModeFixed

	h := &harness{
		holds:       holds,
		ledger:      newFakeLedger(),
		provisioner: &fakeProvisioner{},
		publisher:   &capturePublisher{},
		metrics:     &countingMetrics{outcomes: make(map[string]int)},
		clock:       c,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = loyalty.NewService(loyalty.DefaultConfig(), hs, store.NewMemoryAwardStore(), h.ledger, h.provisioner, loyalty.NewPolicy(pcfg), logger)
	h.svc.SetClock(c.Now)
	h.svc.SetPublisher(h.publisher)
	h.svc.SetMetrics(h.metrics)
	return h
}

func redeemReq(customerID string, points int64, orderValue int64) loyalty.RedeemRequest {
	return loyalty.RedeemRequest{
		CustomerID:     customerID,
		PointsToRedeem: points,
		OrderValue:     decimal.NewFromInt(orderValue),
		CartToken:      "cart-1",
	}
}

func TestRedeem_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)

	res, err := h.svc.Redeem(context.Background(), redeemReq("7001", 100, 5000))
	require.NoError(t, err)

	assert.Equal(t, int64(900), res.NewBalance)
	assert.Equal(t, int64(100), res.PointsRedeemed)
	assert.Equal(t, t0.Add(15*time.Minute), res.ExpiresAt)
	assert.Equal(t, int64(900), h.ledger.points("7001"))

	hold, err := h.holds.FindActiveByCustomer(context.Background(), "7001")
	require.NoError(t, err)
	assert.Equal(t, res.DiscountCode, hold.Code)
	assert.Equal(t, "pr-1", hold.PriceRuleID)
	assert.Equal(t, res.ExpiresAt, hold.ExpiresAt)

	require.Equal(t, 1, h.provisioner.createdCount())
	spec := h.provisioner.created[0]
	assert.Equal(t, res.DiscountCode, spec.Code)
	assert.Equal(t, int64(100), spec.Points)
	assert.Equal(t, hold.ExpiresAt, spec.EndsAt)

	assert.Equal(t, 1, h.metrics.outcomes["completed"])
	assert.Contains(t, h.publisher.published(), events.EventRedemptionCompleted)
}

func TestRedeem_SecondRedeemConflicts(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	ctx := context.Background()

	first, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	_, err = h.svc.Redeem(ctx, redeemReq("7001", 50, 5000))
	re, ok := loyalty.AsRedemptionError(err)
	require.True(t, ok)
	assert.Equal(t, loyalty.KindConflict, re.Kind)
	assert.Equal(t, "You already have an active discount code", re.Message)
	assert.Equal(t, first.DiscountCode, re.ExistingCode)
	assert.Equal(t, first.ExpiresAt, re.ExpiresAt)

	assert.Equal(t, int64(900), h.ledger.points("7001"))
	assert.Equal(t, 1, h.provisioner.createdCount())
	assert.Equal(t, 1, h.metrics.outcomes["rejected"])
}

func TestRedeem_AfterExpiryIssuesNewCode(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	ctx := context.Background()

	first, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	second, err := h.svc.Redeem(ctx, redeemReq("7001", 50, 5000))
	require.NoError(t, err)
	assert.NotEqual(t, first.DiscountCode, second.DiscountCode)
	assert.Equal(t, int64(850), second.NewBalance)
}

func TestRedeem_RecordingFailureCompensatesOnce(t *testing.T) {
	h := newHarness(t, func(m *store.MemoryStore) loyalty.HoldStore { return failingRecordStore{m} })
	h.ledger.seed("7001", 1000)
	ctx := context.Background()

	_, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	re, ok := loyalty.AsRedemptionError(err)
	require.True(t, ok)
	assert.Equal(t, loyalty.KindRecording, re.Kind)
	assert.True(t, re.Failed())

	assert.Equal(t, []string{"pr-1"}, h.provisioner.deletedIDs())
	assert.Equal(t, int64(1000), h.ledger.points("7001"))
	assert.Equal(t, 1, h.metrics.outcomes["failed"])
	assert.Contains(t, h.publisher.published(), events.EventRedemptionCompensated)

	_, err = h.holds.FindActiveByCustomer(ctx, "7001")
	assert.ErrorIs(t, err, loyalty.ErrHoldNotFound)

	// The reservation was released.
	_, err = h.holds.Reserve(ctx, "7001", t0.Add(time.Minute))
	assert.NoError(t, err)
}

func TestRedeem_CompensationFailureRequestsReconciliation(t *testing.T) {
	h := newHarness(t, func(m *store.MemoryStore) loyalty.HoldStore { return failingRecordStore{m} })
	h.ledger.seed("7001", 1000)
	h.provisioner.deleteErr = errors.New("shopify down")

	_, err := h.svc.Redeem(context.Background(), redeemReq("7001", 100, 5000))
	assert.True(t, loyalty.IsKind(err, loyalty.KindRecording))
	assert.Len(t, h.provisioner.deletedIDs(), 1)
	assert.Contains(t, h.publisher.published(), events.EventReconciliationRequired)
}

func TestRedeem_ProvisioningFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	h.provisioner.createErr = errors.New("timeout")
	ctx := context.Background()

	_, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	re, ok := loyalty.AsRedemptionError(err)
	require.True(t, ok)
	assert.Equal(t, loyalty.KindProvisioning, re.Kind)
	assert.Equal(t, "Failed to create discount code. Please try again.", re.Message)
	assert.Equal(t, int64(1000), h.ledger.points("7001"))
	assert.Empty(t, h.provisioner.deletedIDs())

	h.provisioner.createErr = nil
	res, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.NewBalance)
}

func TestRedeem_LedgerFailureKeepsCode(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	h.ledger.setErr = errors.New("metafield write failed")
	ctx := context.Background()

	_, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	re, ok := loyalty.AsRedemptionError(err)
	require.True(t, ok)
	assert.Equal(t, loyalty.KindLedgerUpdate, re.Kind)
	require.NotEmpty(t, re.Code)
	assert.Equal(t, t0.Add(15*time.Minute), re.ExpiresAt)

	hold, err := h.holds.FindActiveByCustomer(ctx, "7001")
	require.NoError(t, err)
	assert.Equal(t, re.Code, hold.Code)
	assert.Empty(t, h.provisioner.deletedIDs())
	assert.Contains(t, h.publisher.published(), events.EventReconciliationRequired)
}

func TestRedeem_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		seed    int64
		req     loyalty.RedeemRequest
		kind    loyalty.ErrorKind
		message string
		limit   int64
	}{
		{
			name:    "missing customer",
			seed:    1000,
			req:     redeemReq("", 10, 5000),
			kind:    loyalty.KindValidation,
			message: "Missing customer ID",
		},
		{
			name:    "zero points",
			seed:    1000,
			req:     redeemReq("7001", 0, 5000),
			kind:    loyalty.KindValidation,
			message: "Please enter a valid number of points",
		},
		{
			name:    "negative order value",
			seed:    1000,
			req:     redeemReq("7001", 10, -1),
			kind:    loyalty.KindValidation,
			message: "Invalid order value",
		},
		{
			name:    "insufficient points",
			seed:    50,
			req:     redeemReq("7001", 100, 5000),
			kind:    loyalty.KindInsufficientPoints,
			message: "You only have 50 points available",
			limit:   50,
		},
		{
			name:    "below minimum order",
			seed:    1000,
			req:     redeemReq("7001", 10, 1999),
			kind:    loyalty.KindPolicyViolation,
			message: "Minimum order value to redeem points is ₹2000",
		},
		{
			name:    "above ceiling",
			seed:    1000,
			req:     redeemReq("7001", 151, 5000),
			kind:    loyalty.KindPolicyViolation,
			message: "Maximum points you can redeem is 150",
			limit:   150,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.ledger.seed("7001", tt.seed)

			_, err := h.svc.Redeem(context.Background(), tt.req)
			re, ok := loyalty.AsRedemptionError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.kind, re.Kind)
			assert.Equal(t, tt.message, re.Message)
			assert.Equal(t, tt.limit, re.Limit)

			assert.Zero(t, h.provisioner.createdCount())
			assert.Equal(t, tt.seed, h.ledger.points("7001"))
			_, err = h.holds.Reserve(context.Background(), "7001", t0.Add(time.Minute))
			assert.NoError(t, err, "slot must be free after a rejection")
		})
	}
}

func TestRedeem_NoAccountAndUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Redeem(context.Background(), redeemReq("7001", 10, 5000))
	assert.True(t, loyalty.IsKind(err, loyalty.KindNoPointsAccount))

	h.ledger.getErr = errors.New("503 from platform")
	_, err = h.svc.Redeem(context.Background(), redeemReq("7001", 10, 5000))
	assert.True(t, loyalty.IsKind(err, loyalty.KindUnavailable))
}

func TestRedeem_ConcurrentCallsIssueOneCode(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		other     []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Redeem(context.Background(), redeemReq("7001", 10, 5000))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if !loyalty.IsKind(err, loyalty.KindConflict) {
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Empty(t, other)
	assert.Equal(t, 1, h.provisioner.createdCount())
	assert.Equal(t, int64(990), h.ledger.points("7001"))
}

func TestParseRedeemRequest(t *testing.T) {
	req, err := loyalty.ParseRedeemRequest(" 7001 ", "100", "4999.50", "")
	require.NoError(t, err)
	assert.Equal(t, "7001", req.CustomerID)
	assert.Equal(t, int64(100), req.PointsToRedeem)
	assert.True(t, decimal.RequireFromString("4999.5").Equal(req.OrderValue))

	req, err = loyalty.ParseRedeemRequest("7001", "1e2", "5000", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), req.PointsToRedeem)

	req, err = loyalty.ParseRedeemRequest("7001", "9223372036854775807", "5000", "")
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), req.PointsToRedeem)

	for _, tc := range []struct{ customer, points, order, message string }{
		{"", "100", "5000", "Missing customer ID"},
		{"7001", "abc", "5000", "Please enter a valid number of points"},
		{"7001", "12.5", "5000", "Please enter a valid number of points"},
		{"7001", "-3", "5000", "Please enter a valid number of points"},
		{"7001", "18446744073709551716", "5000", "Please enter a valid number of points"},
		{"7001", "18446744073709551617", "5000", "Please enter a valid number of points"},
		{"7001", "9223372036854775808", "5000", "Please enter a valid number of points"},
		{"7001", "1e19", "5000", "Please enter a valid number of points"},
		{"7001", "100", "", "Invalid order value"},
		{"7001", "100", "-10", "Invalid order value"},
	} {
		_, err := loyalty.ParseRedeemRequest(tc.customer, tc.points, tc.order, "")
		re, ok := loyalty.AsRedemptionError(err)
		require.True(t, ok)
		assert.Equal(t, loyalty.KindValidation, re.Kind)
		assert.Equal(t, tc.message, re.Message)
	}
}

func TestRedeem_FallbackCartToken(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)

	req := redeemReq("7001", 100, 5000)
	req.CartToken = ""
	_, err := h.svc.Redeem(context.Background(), req)
	require.NoError(t, err)

	assert.Regexp(t, `^fallback-[0-9a-f-]{36}$`, h.provisioner.created[0].CartToken)
}

func TestAwardOrder_DuplicateCreditsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := loyalty.OrderEvent{OrderID: "o-1", CustomerID: "7001", TotalPrice: decimal.NewFromInt(5000), Gateway: "upi"}

	first, err := h.svc.AwardOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, int64(150), first.PointsEarned)
	assert.Equal(t, int64(150), first.NewBalance)
	assert.False(t, first.Duplicate)

	second, err := h.svc.AwardOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(150), second.PointsEarned)
	assert.Equal(t, int64(150), h.ledger.points("7001"))
	assert.Equal(t, 1, h.ledger.writes)
}

func TestAwardOrder_CreditFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 10)
	ctx := context.Background()
	order := loyalty.OrderEvent{OrderID: "o-1", CustomerID: "7001", TotalPrice: decimal.NewFromInt(5000), Gateway: "cash on delivery"}

	h.ledger.setErr = errors.New("write failed")
	_, err := h.svc.AwardOrder(ctx, order)
	require.Error(t, err)

	h.ledger.setErr = nil
	res, err := h.svc.AwardOrder(ctx, order)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(75), res.PointsEarned)
	assert.Equal(t, int64(85), h.ledger.points("7001"))
}

func TestAwardOrder_MissingCustomer(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.AwardOrder(context.Background(), loyalty.OrderEvent{OrderID: "o-1"})
	re, ok := loyalty.AsRedemptionError(err)
	require.True(t, ok)
	assert.Equal(t, "Invalid order data", re.Message)
}

func TestReverseOrder_ExactAwardClampedAtZero(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := loyalty.OrderEvent{OrderID: "o-1", CustomerID: "7001", TotalPrice: decimal.NewFromInt(5000), Gateway: "upi"}

	_, err := h.svc.AwardOrder(ctx, order)
	require.NoError(t, err)
	h.ledger.seed("7001", 100)

	res, err := h.svc.ReverseOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, res.Exact)
	assert.Equal(t, int64(100), res.PointsDeducted)
	assert.Equal(t, int64(0), res.PointsRemaining)

	h.ledger.seed("7001", 40)
	again, err := h.svc.ReverseOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Zero(t, again.PointsDeducted)
	assert.Equal(t, int64(40), h.ledger.points("7001"))
}

func TestReverseOrder_EstimateWithoutAward(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	ctx := context.Background()
	order := loyalty.OrderEvent{OrderID: "o-9", CustomerID: "7001", TotalPrice: decimal.NewFromInt(5000), Gateway: "cash on delivery"}

	res, err := h.svc.ReverseOrder(ctx, order)
	require.NoError(t, err)
	assert.False(t, res.Exact)
	assert.Equal(t, int64(75), res.PointsDeducted)
	assert.Equal(t, int64(925), res.PointsRemaining)

	again, err := h.svc.ReverseOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(925), h.ledger.points("7001"))

	// A late fulfillment for the cancelled order earns nothing.
	award, err := h.svc.AwardOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, award.Duplicate)
	assert.Equal(t, int64(925), h.ledger.points("7001"))
}

func TestReverseOrder_NoAccount(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.ReverseOrder(context.Background(), loyalty.OrderEvent{OrderID: "o-1", CustomerID: "7001"})
	assert.True(t, loyalty.IsKind(err, loyalty.KindNoPointsAccount))
}

func TestConsumeCodes_PartialResults(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	ctx := context.Background()

	res, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)

	results := h.svc.ConsumeCodes(ctx, loyalty.OrderEvent{
		OrderID:       "o-5",
		DiscountCodes: []string{res.DiscountCode, "SUMMER10", "PSKLTY0000DEADBEEF0000"},
	})
	require.Len(t, results, 2)
	assert.Equal(t, loyalty.CodeResult{Code: res.DiscountCode, Success: true}, results[0])
	assert.False(t, results[1].Success)
	assert.Equal(t, "Discount code not found", results[1].Error)

	again := h.svc.ConsumeCodes(ctx, loyalty.OrderEvent{OrderID: "o-5", DiscountCodes: []string{res.DiscountCode}})
	require.Len(t, again, 1)
	assert.True(t, again[0].Success)

	_, err = h.holds.FindActiveByCustomer(ctx, "7001")
	assert.ErrorIs(t, err, loyalty.ErrHoldNotFound)
}

func TestCleanupExpired(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	h.ledger.seed("7002", 1000)
	ctx := context.Background()

	_, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)
	_, err = h.svc.Redeem(ctx, redeemReq("7002", 100, 5000))
	require.NoError(t, err)

	results, err := h.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	h.clock.Advance(16 * time.Minute)
	h.provisioner.deleteErr = nil
	results, err = h.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Deprovisioned)
		assert.Empty(t, r.Error)
	}
	assert.ElementsMatch(t, []string{"pr-1", "pr-2"}, h.provisioner.deletedIDs())
	assert.Contains(t, h.publisher.published(), events.EventRedemptionExpired)

	results, err = h.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCleanupExpired_ReportsDeprovisionFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	ctx := context.Background()

	_, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	h.provisioner.deleteErr = errors.New("rate limited")
	results, err := h.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Deprovisioned)
	assert.Equal(t, "rate limited", results[0].Error)

	_, err = h.holds.FindByCode(ctx, results[0].Code)
	assert.ErrorIs(t, err, loyalty.ErrHoldNotFound)
}

func TestCleanupUsed(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	ctx := context.Background()

	res, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)
	h.svc.ConsumeCodes(ctx, loyalty.OrderEvent{DiscountCodes: []string{res.DiscountCode}})

	h.clock.Advance(23 * time.Hour)
	n, err := h.svc.CleanupUsed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.svc.CleanupUsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActiveDiscount(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 1000)
	ctx := context.Background()

	d, err := h.svc.ActiveDiscount(ctx, "7001")
	require.NoError(t, err)
	assert.False(t, d.Active())

	h.provisioner.active = 2
	d, err = h.svc.ActiveDiscount(ctx, "7001")
	require.NoError(t, err)
	assert.True(t, d.Active())
	assert.Nil(t, d.Hold)
	assert.Equal(t, 2, d.RemoteCount)

	res, err := h.svc.Redeem(ctx, redeemReq("7001", 100, 5000))
	require.NoError(t, err)
	d, err = h.svc.ActiveDiscount(ctx, "7001")
	require.NoError(t, err)
	require.NotNil(t, d.Hold)
	assert.Equal(t, res.DiscountCode, d.Hold.Code)
}

func TestBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.seed("7001", 420)

	a, err := h.svc.Balance(context.Background(), "7001")
	require.NoError(t, err)
	assert.Equal(t, int64(420), a.Points)

	_, err = h.svc.Balance(context.Background(), "nobody")
	assert.ErrorIs(t, err, loyalty.ErrNoPointsAccount)
}

// contextLedger fails reads whose context is already done.
type contextLedger struct {
	*fakeLedger
}

func (l contextLedger) GetPoints(ctx context.Context, customerID string) (*loyalty.PointsAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.fakeLedger.GetPoints(ctx, customerID)
}

func TestBalance_IgnoresCallerCancellation(t *testing.T) {
	ledger := newFakeLedger()
	ledger.seed("7001", 420)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := loyalty.NewService(loyalty.DefaultConfig(), store.NewMemoryStore(), store.NewMemoryAwardStore(),
		contextLedger{ledger}, &fakeProvisioner{}, loyalty.NewPolicy(loyalty.DefaultPolicyConfig()), logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := svc.Balance(ctx, "7001")
	require.NoError(t, err)
	assert.Equal(t, int64(420), a.Points)
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- loyalty.NewSweeper(h.svc, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil))).Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
