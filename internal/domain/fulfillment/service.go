package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/aromaticus/internal/domain/checkout"
	"github.com/xenking/aromaticus/internal/domain/coupon"
	"github.com/xenking/aromaticus/internal/domain/inventory"
	"github.com/xenking/aromaticus/internal/domain/order"
	"github.com/xenking/aromaticus/internal/domain/payment"
	"github.com/xenking/aromaticus/internal/domain/product"
)

// Config holds fulfillment settings.
type Config struct {
	// ClaimTTL bounds how long a session stays claimed by one delivery.
	ClaimTTL       time.Duration
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

type metrics struct {
	callbacks metric.Int64Counter
	created   metric.Int64Counter
	duplicate metric.Int64Counter
	failed    metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	var (
		out metrics
		err error
	)
	if out.callbacks, err = m.Int64Counter("fulfillment.callbacks",
		metric.WithDescription("Verified payment callbacks by event type"),
	); err != nil {
		return nil, err
	}
	if out.created, err = m.Int64Counter("fulfillment.orders.created"); err != nil {
		return nil, err
	}
	if out.duplicate, err = m.Int64Counter("fulfillment.callbacks.duplicate",
		metric.WithDescription("Redelivered callbacks skipped as already processed"),
	); err != nil {
		return nil, err
	}
	if out.failed, err = m.Int64Counter("fulfillment.orders.failed"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Service implements the payment completion handler.
type Service struct {
	provider payment.Provider
	products product.Repository
	orders   order.Repository
	stock    inventory.Store
	claims   Claims
	notifier Notifier

	claimTTL time.Duration
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// NewService creates a fulfillment Service.
func NewService(
	provider payment.Provider,
	products product.Repository,
	orders order.Repository,
	stock inventory.Store,
	claims Claims,
	notifier Notifier,
	cfg Config,
) (*Service, error) {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = metricnoop.NewMeterProvider()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = tracenoop.NewTracerProvider()
	}
	if claims == nil {
		claims = NopClaims{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	m, err := newMetrics(cfg.MeterProvider.Meter("aromaticus/fulfillment"))
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	return &Service{
		provider: provider,
		products: products,
		orders:   orders,
		stock:    stock,
		claims:   claims,
		notifier: notifier,
		claimTTL: cfg.ClaimTTL,
		metrics:  m,
		tracer:   cfg.TracerProvider.Tracer("aromaticus/fulfillment"),
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// HandleCallback verifies and processes a provider callback.
//
// A non-nil error means the callback should not be acknowledged:
// either its signature is invalid (wraps payment.ErrInvalidSignature) or
// the order could not be stored and a redelivery may succeed. Stock and
// notification failures after the order is stored are logged only.
func (s *Service) HandleCallback(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.ParseEvent(payload, signature)
	if err != nil {
		return errors.Wrap(err, "verify callback")
	}

	ctx, span := s.tracer.Start(ctx, "fulfillment.HandleCallback", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	))
	defer span.End()

	s.metrics.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("type", event.Type)))
	lg := zctx.From(ctx).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("session_id", event.SessionID),
	)
	ctx = zctx.Base(ctx, lg)

	switch event.Type {
	case payment.EventSessionCompleted:
		return s.completed(ctx, event)
	case payment.EventSessionExpired:
		s.expired(ctx, event)
		return nil
	default:
		lg.Debug("Ignoring callback")
		return nil
	}
}

func (s *Service) completed(ctx context.Context, event *payment.Event) error {
	lg := zctx.From(ctx)

	key := "checkout:session:" + event.SessionID
	owned, err := s.claims.Claim(ctx, key, s.claimTTL)
	if err != nil {
		// The unique payment intent still prevents duplicates.
		lg.Warn("Claim session failed, continuing", zap.Error(err))
		owned = true
	}
	if !owned {
		lg.Info("Session already claimed, skipping")
		s.metrics.duplicate.Add(ctx, 1)
		return nil
	}

	snap, err := checkout.DecodeMetadata(event.Metadata)
	if err != nil {
		// Redelivery carries the same metadata, so acknowledge.
		lg.Error("Undecodable checkout metadata", zap.Error(err))
		s.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "metadata")))
		return nil
	}

	o, err := s.buildOrder(ctx, event, snap)
	if err != nil {
		s.unclaim(ctx, key)
		s.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "catalog")))
		return errors.Wrap(err, "build order")
	}

	if err := s.orders.Create(ctx, o); err != nil {
		if errors.Is(err, order.ErrDuplicatePayment) {
			fields := []zap.Field{zap.String("payment_intent", o.PaymentIntentID)}
			if existing, err := s.orders.GetByPaymentIntent(ctx, o.PaymentIntentID); err != nil {
				fields = append(fields, zap.NamedError("lookup_error", err))
			} else {
				fields = append(fields, zap.String("order_id", existing.ID))
			}
			lg.Info("Order already exists for payment", fields...)
			s.metrics.duplicate.Add(ctx, 1)
			return nil
		}
		s.unclaim(ctx, key)
		s.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "persist")))
		return errors.Wrap(err, "create order")
	}
	s.metrics.created.Add(ctx, 1)
	lg.Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("payment_intent", o.PaymentIntentID),
		zap.String("total", o.TotalPrice.StringFixed(2)),
	)

	lines := make([]inventory.Line, 0, len(snap.Items))
	for _, it := range snap.Items {
		lines = append(lines, inventory.Line{ProductID: it.ProductID, Ml: it.Size * it.Quantity})
	}
	if err := s.stock.Commit(ctx, snap.Ref, inventory.Merge(lines)); err != nil {
		lg.Error("Commit stock", zap.String("ref", snap.Ref), zap.Error(err))
	}

	if err := s.notifier.OrderConfirmed(ctx, o); err != nil {
		lg.Error("Queue confirmation email", zap.String("order_id", o.ID), zap.Error(err))
	}
	return nil
}

func (s *Service) expired(ctx context.Context, event *payment.Event) {
	ref := checkout.MetadataRef(event.Metadata)
	if ref == "" {
		return
	}
	if err := s.stock.Release(ctx, ref); err != nil {
		zctx.From(ctx).Error("Release expired checkout", zap.String("ref", ref), zap.Error(err))
		return
	}
	zctx.From(ctx).Info("Released stock for expired checkout", zap.String("ref", ref))
}

// buildOrder snapshots the purchase. Names, images and unit prices come
// from the catalog, not the metadata; the total is what the provider
// actually charged.
func (s *Service) buildOrder(ctx context.Context, event *payment.Event, snap *checkout.Snapshot) (*order.Order, error) {
	ids := make([]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		ids = append(ids, it.ProductID)
	}
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]*product.Product, len(fetched))
	for i := range fetched {
		byID[fetched[i].ID] = &fetched[i]
	}

	items := make([]order.Item, 0, len(snap.Items))
	for _, it := range snap.Items {
		item := order.Item{ProductID: it.ProductID, Size: it.Size, Quantity: it.Quantity, Name: it.ProductID}
		p, ok := byID[it.ProductID]
		if !ok {
			zctx.From(ctx).Warn("Paid product no longer in catalog", zap.String("product_id", it.ProductID))
			items = append(items, item)
			continue
		}
		item.Name = p.Name
		if v, ok := p.FindVariant(it.Size); ok {
			item.Price = coupon.ApplyPercent(v.Price, snap.DiscountPercent)
			item.Image = v.Image
		}
		items = append(items, item)
	}

	paymentIntent := event.PaymentIntentID
	if paymentIntent == "" {
		paymentIntent = event.SessionID
	}
	return &order.Order{
		ID:              s.newID(),
		UserID:          snap.UserID,
		Shipping:        snap.Shipping,
		Items:           items,
		PaymentIntentID: paymentIntent,
		SessionID:       event.SessionID,
		CouponCode:      snap.CouponCode,
		ShippingPrice:   snap.ShippingPrice,
		TotalPrice:      decimal.New(event.AmountTotal, -2),
		Status:          order.StatusPaid,
		CreatedAt:       s.now(),
	}, nil
}

func (s *Service) unclaim(ctx context.Context, key string) {
	if err := s.claims.Release(ctx, key); err != nil {
		zctx.From(ctx).Warn("Release session claim", zap.String("key", key), zap.Error(err))
	}
}
