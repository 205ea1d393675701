package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"

	"github.com/xenking/aromaticus/internal/domain/coupon"
)

type validateCouponRequest struct {
	Code string `json:"code"`
}

type validateCouponResponse struct {
	IsValid         bool   `json:"isValid"`
	DiscountPercent int    `json:"discountPercent"`
	Code            string `json:"code"`
}

// ValidateCoupon reports whether a code can be applied right now.
func (h *Handler) ValidateCoupon(c *gin.Context) {
	var req validateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if coupon.Canonical(req.Code) == "" {
		abort(c, http.StatusBadRequest, "code is required")
		return
	}

	cp, err := h.coupons.Validate(c.Request.Context(), req.Code)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, validateCouponResponse{
			IsValid:         true,
			DiscountPercent: cp.DiscountPercent,
			Code:            cp.Code,
		})
	case errors.Is(err, coupon.ErrNotFound):
		abort(c, http.StatusNotFound, err.Error())
	case errors.Is(err, coupon.ErrInactive), errors.Is(err, coupon.ErrExpired):
		abort(c, http.StatusBadRequest, err.Error())
	default:
		internalError(c, err)
	}
}
