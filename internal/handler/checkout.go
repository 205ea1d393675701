package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/aromaticus/internal/domain/checkout"
	"github.com/xenking/aromaticus/internal/domain/order"
	"github.com/xenking/aromaticus/internal/domain/shipping"
)

type calculateShippingRequest struct {
	Postcode  string          `json:"postcode"`
	Method    string          `json:"method"`
	CartTotal decimal.Decimal `json:"cartTotal"`
}

type calculateShippingResponse struct {
	Price float64 `json:"price"`
}

// CalculateShipping quotes delivery for the storefront. A missing or short
// postcode is quoted as free rather than rejected.
func (h *Handler) CalculateShipping(c *gin.Context) {
	var req calculateShippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return
	}
	price := shipping.Compute(req.Postcode, shipping.ParseMethod(req.Method), req.CartTotal)
	c.JSON(http.StatusOK, calculateShippingResponse{Price: price.InexactFloat64()})
}

type cartItem struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Size     int             `json:"size"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Image    string          `json:"image"`
}

type shippingInfo struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2"`
	City         string `json:"city"`
	Postcode     string `json:"postcode"`
	Country      string `json:"country"`
}

type createSessionRequest struct {
	CartItems      []cartItem   `json:"cartItems"`
	ShippingInfo   shippingInfo `json:"shippingInfo"`
	ShippingMethod string       `json:"shippingMethod"`
	UserID         string       `json:"userId"`
	CouponCode     string       `json:"couponCode"`
}

type createSessionResponse struct {
	URL string `json:"url"`
}

func (r *createSessionRequest) toDomain() checkout.Request {
	items := make([]checkout.CartItem, len(r.CartItems))
	for i, it := range r.CartItems {
		items[i] = checkout.CartItem{
			ProductID: it.ID,
			Size:      it.Size,
			Quantity:  it.Quantity,
			Name:      it.Name,
			Price:     it.Price,
			Image:     it.Image,
		}
	}
	return checkout.Request{
		Items: items,
		Shipping: order.ShippingInfo{
			FullName:     r.ShippingInfo.Name,
			Email:        r.ShippingInfo.Email,
			AddressLine1: r.ShippingInfo.AddressLine1,
			AddressLine2: r.ShippingInfo.AddressLine2,
			City:         r.ShippingInfo.City,
			Postcode:     r.ShippingInfo.Postcode,
			Country:      r.ShippingInfo.Country,
		},
		Method:     shipping.ParseMethod(r.ShippingMethod),
		UserID:     r.UserID,
		CouponCode: r.CouponCode,
	}
}

// CreateSession prices the cart, holds stock and returns the hosted payment
// page URL.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.checkout.BuildSession(c.Request.Context(), req.toDomain())
	if err != nil {
		h.checkoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, createSessionResponse{URL: sess.URL})
}

// checkoutError maps checkout failures to HTTP responses.
func (h *Handler) checkoutError(c *gin.Context, err error) {
	var (
		validationErr *checkout.ValidationError
		productErr    *checkout.ProductNotFoundError
		variantErr    *checkout.VariantNotFoundError
		stockErr      *checkout.InsufficientStockError
		providerErr   *checkout.PaymentProviderError
	)
	switch {
	case errors.Is(err, checkout.ErrEmptyCart):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.As(err, &validationErr):
		abort(c, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &stockErr):
		abort(c, http.StatusBadRequest, stockErr.Error())
	case errors.As(err, &productErr):
		abort(c, http.StatusNotFound, productErr.Error())
	case errors.As(err, &variantErr):
		abort(c, http.StatusNotFound, variantErr.Error())
	case errors.As(err, &providerErr):
		logError(c, err)
		abort(c, http.StatusBadGateway, "payment provider unavailable")
	default:
		internalError(c, err)
	}
}
