package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a perfume in the catalog. All of its variants draw from one
// shared stock pool measured in millilitres.
type Product struct {
	ID           string
	Name         string
	Description  string
	Category     string
	Gender       string
	BgColor      string
	TotalStockMl int
	ReservedMl   int
	Variants     []Variant
	Hidden       bool
	Rating       decimal.Decimal
	ReviewCount  int
}

// Variant is a purchasable bottle size of a product.
type Variant struct {
	Size  int             `json:"size"`
	Price decimal.Decimal `json:"price"`
	Image string          `json:"image"`
}

// Available returns the millilitres not held by pending checkouts.
func (p *Product) Available() int {
	if free := p.TotalStockMl - p.ReservedMl; free > 0 {
		return free
	}
	return 0
}

// FindVariant returns the variant with the given size.
func (p *Product) FindVariant(size int) (Variant, bool) {
	for _, v := range p.Variants {
		if v.Size == size {
			return v, true
		}
	}
	return Variant{}, false
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
