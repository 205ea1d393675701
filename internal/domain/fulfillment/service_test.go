package fulfillment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/aromaticus/internal/domain/checkout"
	"github.com/xenking/aromaticus/internal/domain/inventory"
	"github.com/xenking/aromaticus/internal/domain/order"
	"github.com/xenking/aromaticus/internal/domain/payment"
	"github.com/xenking/aromaticus/internal/domain/product"
	"github.com/xenking/aromaticus/internal/domain/shipping"
)

// --- Mock implementations ---

const goodSignature = "t=1,v1=ok"

type mockProvider struct {
	events map[string]*payment.Event
}

func (m *mockProvider) CreateSession(context.Context, payment.SessionRequest) (*payment.Session, error) {
	return nil, errors.New("not implemented")
}

func (m *mockProvider) ParseEvent(payload []byte, signature string) (*payment.Event, error) {
	if signature != goodSignature {
		return nil, payment.ErrInvalidSignature
	}
	ev, ok := m.events[string(payload)]
	if !ok {
		return nil, errors.New("unknown payload")
	}
	return ev, nil
}

type mockProductRepo struct {
	byID   map[string]*product.Product
	getErr error
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return p, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

type mockOrderRepo struct {
	mu     sync.Mutex
	orders []*order.Order
	err    error
}

func (m *mockOrderRepo) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, existing := range m.orders {
		if existing.PaymentIntentID == o.PaymentIntentID {
			return order.ErrDuplicatePayment
		}
	}
	m.orders = append(m.orders, o)
	return nil
}

// memStock mirrors the clamp-at-zero semantics of the SQL store.
func (m *mockOrderRepo) GetByPaymentIntent(_ context.Context, paymentIntentID string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentIntentID == paymentIntentID {
			return o, nil
		}
	}
	return nil, errors.New("no order for payment")
}

type memStock struct {
	mu       sync.Mutex
	total    map[string]int
	held     map[string][]inventory.Line
	commits  int
	released []string
	err      error
}

func (m *memStock) Reserve(_ context.Context, ref string, lines []inventory.Line, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[ref] = lines
	return nil
}

func (m *memStock) Commit(_ context.Context, ref string, lines []inventory.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.commits++
	if held, ok := m.held[ref]; ok {
		lines = held
		delete(m.held, ref)
	}
	for _, l := range lines {
		m.total[l.ProductID] = max(m.total[l.ProductID]-l.Ml, 0)
	}
	return nil
}

func (m *memStock) Release(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, ref)
	delete(m.held, ref)
	return nil
}

func (m *memStock) ReleaseExpired(context.Context, time.Time) (int, error) { return 0, nil }

type memClaims struct {
	mu       sync.Mutex
	owned    map[string]bool
	err      error
	released []string
}

func (m *memClaims) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.owned[key] {
		return false, nil
	}
	m.owned[key] = true
	return true, nil
}

func (m *memClaims) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owned, key)
	m.released = append(m.released, key)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []*order.Order
	err    error
}

func (r *recordingNotifier) OrderConfirmed(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
	return r.err
}

// --- Helpers ---

type fixture struct {
	svc      *Service
	provider *mockProvider
	products *mockProductRepo
	orders   *mockOrderRepo
	stock    *memStock
	claims   *memClaims
	notifier *recordingNotifier
}

func newFixture(t *testing.T, claims Claims) *fixture {
	t.Helper()
	rose := product.Product{
		ID:           "rose",
		Name:         "Rose Noir",
		TotalStockMl: 15,
		Variants: []product.Variant{
			{Size: 10, Price: decimal.RequireFromString("20.00"), Image: "/img/rose-10.jpg"},
		},
	}
	f := &fixture{
		provider: &mockProvider{events: map[string]*payment.Event{}},
		products: &mockProductRepo{byID: map[string]*product.Product{"rose": &rose}},
		orders:   &mockOrderRepo{},
		stock:    &memStock{total: map[string]int{"rose": 15}, held: map[string][]inventory.Line{}},
		claims:   &memClaims{owned: map[string]bool{}},
		notifier: &recordingNotifier{},
	}
	if claims == nil {
		claims = f.claims
	}
	svc, err := NewService(f.provider, f.products, f.orders, f.stock, claims, f.notifier, Config{})
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC) }
	svc.newID = func() string { return "7d0e3c6a-1b2f-4e5d-8c9a-0f1e2d3c4b5a" }
	f.svc = svc
	return f
}

func testContext(t *testing.T) context.Context {
	return zctx.Base(context.Background(), zaptest.NewLogger(t))
}

func completedEvent(payloadKey string) *payment.Event {
	return &payment.Event{
		ID:              "evt_" + payloadKey,
		Type:            payment.EventSessionCompleted,
		SessionID:       "cs_test_1",
		PaymentIntentID: "pi_test_1",
		AmountTotal:     4000,
		Metadata: checkout.EncodeMetadata(checkout.Snapshot{
			Ref:             "ref-1",
			UserID:          "user-1",
			CouponCode:      "ABC10",
			DiscountPercent: 10,
			ShippingPrice:   decimal.RequireFromString("4.00"),
			ShippingMethod:  shipping.MethodStandard,
			Shipping: order.ShippingInfo{
				FullName: "Ada Lovelace",
				Email:    "ada@example.com",
				City:     "Canterbury",
				Postcode: "CT1 1AA",
			},
			Items: []checkout.SnapshotItem{{ProductID: "rose", Size: 10, Quantity: 2}},
		}),
	}
}

func (f *fixture) deliver(t *testing.T, key string, ev *payment.Event) error {
	t.Helper()
	f.provider.events[key] = ev
	return f.svc.HandleCallback(testContext(t), []byte(key), goodSignature)
}

// --- Tests ---

func TestHandleCallback_CreatesOrderAndClampsStock(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.deliver(t, "a", completedEvent("a")))

	require.Len(t, f.orders.orders, 1)
	o := f.orders.orders[0]
	assert.Equal(t, "user-1", o.UserID)
	assert.Equal(t, "pi_test_1", o.PaymentIntentID)
	assert.Equal(t, "cs_test_1", o.SessionID)
	assert.Equal(t, "ABC10", o.CouponCode)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, order.DefaultCountry, o.Shipping.Country)
	assert.True(t, decimal.RequireFromString("40.00").Equal(o.TotalPrice), "total comes from provider: %s", o.TotalPrice)
	assert.True(t, decimal.RequireFromString("4.00").Equal(o.ShippingPrice))

	require.Len(t, o.Items, 1)
	item := o.Items[0]
	assert.Equal(t, "Rose Noir", item.Name)
	assert.Equal(t, 10, item.Size)
	assert.Equal(t, 2, item.Quantity)
	assert.Equal(t, "/img/rose-10.jpg", item.Image)
	assert.True(t, decimal.RequireFromString("18.00").Equal(item.Price), "price re-derived from catalog: %s", item.Price)

	assert.Equal(t, 0, f.stock.total["rose"], "15ml minus 20ml clamps at zero")
	assert.Len(t, f.notifier.orders, 1)
}

func TestHandleCallback_CommitsHeldReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.stock.total["rose"] = 100
	f.stock.held["ref-1"] = []inventory.Line{{ProductID: "rose", Ml: 20}}

	require.NoError(t, f.deliver(t, "a", completedEvent("a")))

	assert.Equal(t, 80, f.stock.total["rose"])
	assert.Empty(t, f.stock.held)
}

func TestHandleCallback_InvalidSignature(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.events["a"] = completedEvent("a")

	err := f.svc.HandleCallback(testContext(t), []byte("a"), "t=1,v1=forged")
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	assert.Empty(t, f.orders.orders)
	assert.Equal(t, 15, f.stock.total["rose"])
	assert.Zero(t, f.stock.commits)
	assert.Empty(t, f.notifier.orders)
}

func TestHandleCallback_RedeliveryIsIdempotent(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
	}{
		{name: "with session claims"},
		{name: "order store dedup only", claims: NopClaims{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.claims)
			f.stock.total["rose"] = 100

			require.NoError(t, f.deliver(t, "a", completedEvent("a")))
			require.NoError(t, f.deliver(t, "b", completedEvent("b")))

			assert.Len(t, f.orders.orders, 1)
			assert.Equal(t, 1, f.stock.commits)
			assert.Equal(t, 80, f.stock.total["rose"])
			assert.Len(t, f.notifier.orders, 1)
		})
	}
}

func TestHandleCallback_RedeliveryLogsExistingOrder(t *testing.T) {
	f := newFixture(t, NopClaims{})
	require.NoError(t, f.deliver(t, "a", completedEvent("a")))

	core, logs := observer.New(zap.InfoLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))
	f.provider.events["b"] = completedEvent("b")
	require.NoError(t, f.svc.HandleCallback(ctx, []byte("b"), goodSignature))

	entries := logs.FilterMessage("Order already exists for payment").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "7d0e3c6a-1b2f-4e5d-8c9a-0f1e2d3c4b5a", entries[0].ContextMap()["order_id"])
	assert.Equal(t, "pi_test_1", entries[0].ContextMap()["payment_intent"])
}

func TestHandleCallback_ConcurrentRedelivery(t *testing.T) {
	f := newFixture(t, NopClaims{})
	f.stock.total["rose"] = 100
	f.provider.events["a"] = completedEvent("a")
	ctx := testContext(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.HandleCallback(ctx, []byte("a"), goodSignature))
		}()
	}
	wg.Wait()

	assert.Len(t, f.orders.orders, 1)
	assert.Equal(t, 80, f.stock.total["rose"])
}

func TestHandleCallback_PersistFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.err = errors.New("connection reset")

	err := f.deliver(t, "a", completedEvent("a"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, payment.ErrInvalidSignature)
	assert.Equal(t, []string{"checkout:session:cs_test_1"}, f.claims.released)
	assert.Zero(t, f.stock.commits)

	f.orders.err = nil
	require.NoError(t, f.deliver(t, "a", completedEvent("a")))
	assert.Len(t, f.orders.orders, 1)
	assert.Equal(t, 1, f.stock.commits)
}

func TestHandleCallback_CatalogFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.products.getErr = errors.New("timeout")

	require.Error(t, f.deliver(t, "a", completedEvent("a")))
	assert.Empty(t, f.orders.orders)
	assert.Len(t, f.claims.released, 1)
}

func TestHandleCallback_DownstreamFailuresStillAcknowledge(t *testing.T) {
	f := newFixture(t, nil)
	f.stock.err = errors.New("deadlock detected")
	f.notifier.err = errors.New("broker down")

	require.NoError(t, f.deliver(t, "a", completedEvent("a")))
	assert.Len(t, f.orders.orders, 1)
}

func TestHandleCallback_ClaimStoreDownFallsBackToOrderDedup(t *testing.T) {
	f := newFixture(t, nil)
	f.claims.err = errors.New("redis: connection refused")

	require.NoError(t, f.deliver(t, "a", completedEvent("a")))
	require.NoError(t, f.deliver(t, "b", completedEvent("b")))
	assert.Len(t, f.orders.orders, 1)
}

func TestHandleCallback_BadMetadataAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	ev := completedEvent("a")
	ev.Metadata = map[string]string{"ref": "ref-1", "cart": "not json"}

	require.NoError(t, f.deliver(t, "a", ev))
	assert.Empty(t, f.orders.orders)
	assert.Zero(t, f.stock.commits)
}

func TestHandleCallback_PaymentIntentFallsBackToSession(t *testing.T) {
	f := newFixture(t, nil)
	ev := completedEvent("a")
	ev.PaymentIntentID = ""

	require.NoError(t, f.deliver(t, "a", ev))
	require.Len(t, f.orders.orders, 1)
	assert.Equal(t, "cs_test_1", f.orders.orders[0].PaymentIntentID)
}

func TestHandleCallback_ProductRemovedFromCatalog(t *testing.T) {
	f := newFixture(t, nil)
	delete(f.products.byID, "rose")

	require.NoError(t, f.deliver(t, "a", completedEvent("a")))
	require.Len(t, f.orders.orders, 1)
	assert.Equal(t, "rose", f.orders.orders[0].Items[0].Name)
	assert.True(t, f.orders.orders[0].Items[0].Price.IsZero())
}

func TestHandleCallback_ExpiredSessionReleasesStock(t *testing.T) {
	f := newFixture(t, nil)
	f.stock.held["ref-1"] = []inventory.Line{{ProductID: "rose", Ml: 20}}
	ev := completedEvent("a")
	ev.Type = payment.EventSessionExpired

	require.NoError(t, f.deliver(t, "a", ev))
	assert.Equal(t, []string{"ref-1"}, f.stock.released)
	assert.Empty(t, f.orders.orders)
}

func TestHandleCallback_OtherEventsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ev := completedEvent("a")
	ev.Type = "payment_intent.created"

	require.NoError(t, f.deliver(t, "a", ev))
	assert.Empty(t, f.orders.orders)
	assert.Empty(t, f.stock.released)
	assert.Zero(t, f.stock.commits)
}
