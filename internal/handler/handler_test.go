package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/aromaticus/internal/domain/checkout"
	"github.com/xenking/aromaticus/internal/domain/coupon"
	"github.com/xenking/aromaticus/internal/domain/payment"
	"github.com/xenking/aromaticus/internal/domain/shipping"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Mock implementations ---

type mockCheckout struct {
	last    checkout.Request
	session *checkout.Session
	err     error
}

func (m *mockCheckout) BuildSession(_ context.Context, req checkout.Request) (*checkout.Session, error) {
	m.last = req
	return m.session, m.err
}

type mockCallbacks struct {
	payload   []byte
	signature string
	err       error
}

func (m *mockCallbacks) HandleCallback(_ context.Context, payload []byte, signature string) error {
	m.payload = payload
	m.signature = signature
	return m.err
}

type mockCoupons struct {
	coupon *coupon.Coupon
	err    error
}

func (m *mockCoupons) Validate(context.Context, string) (*coupon.Coupon, error) {
	return m.coupon, m.err
}

func (m *mockCoupons) DiscountPercent(context.Context, string) int { return 0 }

// --- Helpers ---

type fixture struct {
	checkout  *mockCheckout
	callbacks *mockCallbacks
	coupons   *mockCoupons
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		checkout:  &mockCheckout{session: &checkout.Session{ID: "cs_1", URL: "https://pay.example/cs_1"}},
		callbacks: &mockCallbacks{},
		coupons:   &mockCoupons{},
		router:    gin.New(),
	}
	New(Config{MaxCallbackBytes: 1024}, f.checkout, f.callbacks, f.coupons).Register(f.router)
	return f
}

func (f *fixture) do(t *testing.T, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, rec.Code, e.Code)
	return e
}

// --- Tests ---

func TestCalculateShipping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"Local", `{"postcode":"CT1 1AA","method":"standard","cartTotal":20}`, 4},
		{"LondonExpress", `{"postcode":"sw1a 1aa","method":"express","cartTotal":20}`, 11},
		{"FreeOverThreshold", `{"postcode":"CT1 1AA","method":"standard","cartTotal":50}`, 0},
		{"ExpressNeverFree", `{"postcode":"AB1 1AA","method":"express","cartTotal":500}`, 20},
		{"MissingPostcode", `{"method":"express","cartTotal":10}`, 0},
		{"ShortPostcode", `{"postcode":"C","cartTotal":10}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, "/api/checkout/calculate-shipping", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp calculateShippingResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.InDelta(t, tt.want, resp.Price, 0.001)
		})
	}
}

func TestCalculateShipping_BadBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "/api/checkout/calculate-shipping", `{"postcode":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	decodeError(t, rec)
}

const sessionBody = `{
	"cartItems": [{"id":"p1","name":"Oud","size":10,"quantity":2,"price":1,"image":"/img/oud.jpg"}],
	"shippingInfo": {
		"name":"Ada Lovelace","email":"ada@example.com",
		"addressLine1":"1 High St","addressLine2":"Flat 2",
		"city":"Canterbury","postcode":"CT1 1AA","country":"United Kingdom"
	},
	"shippingMethod":"express",
	"userId":"u1",
	"couponCode":"save10"
}`

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "/api/checkout/create-session", sessionBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://pay.example/cs_1", resp.URL)

	got := f.checkout.last
	require.Len(t, got.Items, 1)
	assert.Equal(t, "p1", got.Items[0].ProductID)
	assert.Equal(t, 10, got.Items[0].Size)
	assert.Equal(t, 2, got.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(1).Equal(got.Items[0].Price))
	assert.Equal(t, "Ada Lovelace", got.Shipping.FullName)
	assert.Equal(t, "Flat 2", got.Shipping.AddressLine2)
	assert.Equal(t, "CT1 1AA", got.Shipping.Postcode)
	assert.Equal(t, shipping.MethodExpress, got.Method)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "save10", got.CouponCode)
}

func TestCreateSession_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"EmptyCart", checkout.ErrEmptyCart, http.StatusBadRequest},
		{"Validation", &checkout.ValidationError{Field: "email", Reason: "invalid"}, http.StatusBadRequest},
		{"Stock", &checkout.InsufficientStockError{ProductID: "p1", Requested: 20, Available: 5}, http.StatusBadRequest},
		{"Product", &checkout.ProductNotFoundError{ProductID: "p1"}, http.StatusNotFound},
		{"Variant", &checkout.VariantNotFoundError{ProductID: "p1", Size: 30}, http.StatusNotFound},
		{"Provider", &checkout.PaymentProviderError{Err: errors.New("timeout")}, http.StatusBadGateway},
		{"Wrapped", errors.Wrap(&checkout.ProductNotFoundError{ProductID: "p1"}, "price"), http.StatusNotFound},
		{"Other", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.checkout.err = tt.err
			rec := f.do(t, "/api/checkout/create-session", sessionBody)
			assert.Equal(t, tt.status, rec.Code)
			e := decodeError(t, rec)
			assert.NotEmpty(t, e.Message)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, e.Message, "db down")
			}
		})
	}
}

func TestCreateSession_BadBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "/api/checkout/create-session", `{"cartItems":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook(t *testing.T) {
	t.Run("Acknowledged", func(t *testing.T) {
		f := newFixture(t)
		body := `{"id":"evt_1","type":"checkout.session.completed"}`
		rec := f.do(t, "/api/checkout/webhook", body, SignatureHeader, "t=1,v1=abc")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"received":true}`, rec.Body.String())
		assert.Equal(t, body, string(f.callbacks.payload))
		assert.Equal(t, "t=1,v1=abc", f.callbacks.signature)
	})
	t.Run("InvalidSignature", func(t *testing.T) {
		f := newFixture(t)
		f.callbacks.err = errors.Wrap(payment.ErrInvalidSignature, "verify callback")
		rec := f.do(t, "/api/checkout/webhook", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		decodeError(t, rec)
	})
	t.Run("ProcessingFailure", func(t *testing.T) {
		f := newFixture(t)
		f.callbacks.err = errors.New("create order: connection refused")
		rec := f.do(t, "/api/checkout/webhook", `{}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
	t.Run("BodyTooLarge", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, "/api/checkout/webhook", string(bytes.Repeat([]byte("a"), 2048)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Nil(t, f.callbacks.payload)
	})
}

func TestValidateCoupon(t *testing.T) {
	valid := &coupon.Coupon{Code: "SAVE10", DiscountPercent: 10, Active: true, ExpiresAt: time.Now().Add(time.Hour)}

	tests := []struct {
		name   string
		body   string
		coupon *coupon.Coupon
		err    error
		status int
	}{
		{"Valid", `{"code":"save10"}`, valid, nil, http.StatusOK},
		{"NotFound", `{"code":"nope"}`, nil, coupon.ErrNotFound, http.StatusNotFound},
		{"Inactive", `{"code":"off"}`, nil, coupon.ErrInactive, http.StatusBadRequest},
		{"Expired", `{"code":"old"}`, nil, coupon.ErrExpired, http.StatusBadRequest},
		{"Missing", `{}`, nil, nil, http.StatusBadRequest},
		{"Blank", `{"code":"   "}`, nil, nil, http.StatusBadRequest},
		{"StoreDown", `{"code":"save10"}`, nil, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.coupons.coupon, f.coupons.err = tt.coupon, tt.err
			rec := f.do(t, "/api/coupons/validate", tt.body)
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				decodeError(t, rec)
				return
			}
			assert.JSONEq(t, `{"isValid":true,"discountPercent":10,"code":"SAVE10"}`, rec.Body.String())
		})
	}
}
