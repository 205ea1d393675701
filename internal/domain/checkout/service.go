// Package checkout prices a cart and opens a hosted payment session for it.
package checkout

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/aromaticus/internal/domain/coupon"
	"github.com/xenking/aromaticus/internal/domain/inventory"
	"github.com/xenking/aromaticus/internal/domain/order"
	"github.com/xenking/aromaticus/internal/domain/payment"
	"github.com/xenking/aromaticus/internal/domain/product"
	"github.com/xenking/aromaticus/internal/domain/shipping"
)

// CartItem is a line of the client's cart. Name, Price and Image are what
// the client displayed; they are never used for charging.
type CartItem struct {
	ProductID string
	Size      int
	Quantity  int
	Name      string
	Price     decimal.Decimal
	Image     string
}

// Request holds the input for BuildSession.
type Request struct {
	Items      []CartItem
	Shipping   order.ShippingInfo
	Method     shipping.Method
	UserID     string
	CouponCode string
}

// Session is an opened hosted checkout.
type Session struct {
	ID  string
	URL string
	// Reference names the stock reservation held for this checkout.
	Reference string
}

// Config holds checkout settings.
type Config struct {
	// ClientURL is the storefront origin used for redirects and for
	// resolving relative product images.
	ClientURL string
	// ReservationTTL is how long the hosted session stays payable.
	ReservationTTL time.Duration
	// ReservationGrace keeps stock held a little longer than the session
	// so a payment finishing at the deadline still finds its hold.
	ReservationGrace time.Duration
	TracerProvider   trace.TracerProvider
}

// Service implements the checkout session builder.
type Service struct {
	products product.Repository
	coupons  coupon.Validator
	stock    inventory.Store
	provider payment.Provider

	cfg    Config
	tracer trace.Tracer
	now    func() time.Time
	newRef func() string
}

// NewService creates a checkout Service with the required domain dependencies.
func NewService(
	products product.Repository,
	coupons coupon.Validator,
	stock inventory.Store,
	provider payment.Provider,
	cfg Config,
) *Service {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 35 * time.Minute
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = noop.NewTracerProvider()
	}
	cfg.ClientURL = strings.TrimRight(cfg.ClientURL, "/")
	return &Service{
		products: products,
		coupons:  coupons,
		stock:    stock,
		provider: provider,
		cfg:      cfg,
		tracer:   cfg.TracerProvider.Tracer("aromaticus/checkout"),
		now:      time.Now,
		newRef:   uuid.NewString,
	}
}

type pricedLine struct {
	product   *product.Product
	variant   product.Variant
	quantity  int
	unitPrice decimal.Decimal
}

// BuildSession validates the cart against the catalog, prices it, holds
// the stock it needs and opens a hosted payment session.
func (s *Service) BuildSession(ctx context.Context, req Request) (_ *Session, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.BuildSession",
		trace.WithAttributes(attribute.Int("cart.items", len(req.Items))),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if err := validate(req); err != nil {
		return nil, err
	}

	pct := s.coupons.DiscountPercent(ctx, req.CouponCode)

	lines, err := s.priceLines(ctx, req.Items, pct)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.unitPrice.Mul(decimal.NewFromInt(int64(l.quantity))))
	}
	shippingPrice := shipping.Compute(req.Shipping.Postcode, req.Method, subtotal)

	items := make([]payment.LineItem, 0, len(lines)+1)
	for _, l := range lines {
		items = append(items, s.lineItem(l, pct, req.CouponCode))
	}
	if shippingPrice.IsPositive() {
		items = append(items, payment.LineItem{
			Name:       shippingLabel(req.Method),
			UnitAmount: minorUnits(shippingPrice),
			Quantity:   1,
		})
	}

	ref := s.newRef()
	now := s.now()
	expiresAt := now.Add(s.cfg.ReservationTTL)
	if err := s.reserve(ctx, ref, lines, expiresAt.Add(s.cfg.ReservationGrace)); err != nil {
		return nil, err
	}

	snapshot := Snapshot{
		Ref:             ref,
		UserID:          req.UserID,
		CouponCode:      couponForSnapshot(req.CouponCode, pct),
		DiscountPercent: pct,
		ShippingPrice:   shippingPrice,
		ShippingMethod:  req.Method,
		Shipping:        req.Shipping,
	}
	for _, l := range lines {
		snapshot.Items = append(snapshot.Items, SnapshotItem{
			ProductID: l.product.ID,
			Size:      l.variant.Size,
			Quantity:  l.quantity,
		})
	}

	sess, err := s.provider.CreateSession(ctx, payment.SessionRequest{
		LineItems:     items,
		CustomerEmail: req.Shipping.Email,
		SuccessURL:    s.cfg.ClientURL + "/success",
		CancelURL:     s.cfg.ClientURL + "/checkout",
		ExpiresAt:     expiresAt,
		Metadata:      EncodeMetadata(snapshot),
	})
	if err != nil {
		if relErr := s.stock.Release(ctx, ref); relErr != nil {
			zctx.From(ctx).Error("Release reservation after provider failure",
				zap.String("ref", ref),
				zap.Error(relErr),
			)
		}
		return nil, &PaymentProviderError{Err: err}
	}

	zctx.From(ctx).Info("Checkout session created",
		zap.String("session_id", sess.ID),
		zap.String("ref", ref),
		zap.String("subtotal", subtotal.StringFixed(2)),
		zap.String("shipping", shippingPrice.StringFixed(2)),
		zap.Int("discount_pct", pct),
	)
	span.SetAttributes(attribute.String("checkout.ref", ref))

	return &Session{ID: sess.ID, URL: sess.URL, Reference: ref}, nil
}

// priceLines resolves every cart line against the catalog and checks that
// each product's free stock covers all lines drawing from it. The check is
// advisory; Reserve is what actually claims the stock.
func (s *Service) priceLines(ctx context.Context, items []CartItem, pct int) ([]pricedLine, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
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

	lines := make([]pricedLine, 0, len(items))
	needed := make(map[string]int, len(items))
	for _, it := range items {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: it.ProductID}
		}
		v, ok := p.FindVariant(it.Size)
		if !ok {
			return nil, &VariantNotFoundError{ProductID: it.ProductID, Size: it.Size}
		}
		needed[p.ID] += v.Size * it.Quantity
		if needed[p.ID] > p.Available() {
			return nil, &InsufficientStockError{
				ProductID: p.ID,
				Name:      p.Name,
				Requested: needed[p.ID],
				Available: p.Available(),
			}
		}
		lines = append(lines, pricedLine{
			product:   p,
			variant:   v,
			quantity:  it.Quantity,
			unitPrice: coupon.ApplyPercent(v.Price, pct),
		})
	}
	return lines, nil
}

func (s *Service) reserve(ctx context.Context, ref string, lines []pricedLine, expiresAt time.Time) error {
	want := make([]inventory.Line, 0, len(lines))
	for _, l := range lines {
		want = append(want, inventory.Line{ProductID: l.product.ID, Ml: l.variant.Size * l.quantity})
	}
	err := s.stock.Reserve(ctx, ref, inventory.Merge(want), expiresAt)
	if err == nil {
		return nil
	}

	var stockErr *inventory.InsufficientStockError
	if errors.As(err, &stockErr) {
		out := &InsufficientStockError{ProductID: stockErr.ProductID, Requested: stockErr.Requested}
		for _, l := range lines {
			if l.product.ID == stockErr.ProductID {
				out.Name = l.product.Name
				break
			}
		}
		return out
	}
	return errors.Wrap(err, "reserve stock")
}

func (s *Service) lineItem(l pricedLine, pct int, code string) payment.LineItem {
	item := payment.LineItem{
		Name:       fmt.Sprintf("%s (%dml)", l.product.Name, l.variant.Size),
		Image:      s.imageURL(l.variant.Image),
		UnitAmount: minorUnits(l.unitPrice),
		Quantity:   int64(l.quantity),
	}
	if pct > 0 {
		item.Description = fmt.Sprintf("Includes %d%% discount (%s)", pct, coupon.Canonical(code))
	}
	return item
}

// imageURL makes a catalog image path absolute against the storefront.
func (s *Service) imageURL(image string) string {
	switch {
	case image == "":
		return ""
	case strings.HasPrefix(image, "http://"), strings.HasPrefix(image, "https://"):
		return image
	case strings.HasPrefix(image, "/"):
		return s.cfg.ClientURL + image
	default:
		return s.cfg.ClientURL + "/" + image
	}
}

func validate(req Request) error {
	if len(req.Items) == 0 {
		return ErrEmptyCart
	}
	for i, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return &ValidationError{Field: fmt.Sprintf("cartItems[%d].productId", i), Reason: "required"}
		}
		if it.Size <= 0 {
			return &ValidationError{Field: fmt.Sprintf("cartItems[%d].size", i), Reason: "must be positive"}
		}
		if it.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("cartItems[%d].quantity", i), Reason: "must be positive"}
		}
	}
	if _, err := mail.ParseAddress(req.Shipping.Email); err != nil {
		return &ValidationError{Field: "shippingInfo.email", Reason: "invalid email address"}
	}
	if strings.TrimSpace(req.Shipping.Postcode) == "" {
		return &ValidationError{Field: "shippingInfo.postcode", Reason: "required"}
	}
	return nil
}

func couponForSnapshot(code string, pct int) string {
	if pct == 0 {
		return ""
	}
	return coupon.Canonical(code)
}

func shippingLabel(m shipping.Method) string {
	if m == shipping.MethodExpress {
		return "Express Shipping"
	}
	return "Standard Shipping"
}

// minorUnits converts a 2dp price to pence.
func minorUnits(price decimal.Decimal) int64 {
	return price.Shift(2).Round(0).IntPart()
}
