package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/aromaticus/internal/domain/coupon"
	"github.com/xenking/aromaticus/internal/domain/product"
	"github.com/xenking/aromaticus/internal/storage/postgres"
)

type productJSON struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Category     string            `json:"category"`
	Gender       string            `json:"gender"`
	BgColor      string            `json:"bgColor"`
	TotalStockMl int               `json:"totalStockMl"`
	Hidden       bool              `json:"hidden"`
	Variants     []product.Variant `json:"variants"`
}

type couponJSON struct {
	Code            string    `json:"code"`
	DiscountPercent int       `json:"discountPercent"`
	Active          bool      `json:"isActive"`
	ExpiresAt       time.Time `json:"expiryDate"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		couponsFile  string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&couponsFile, "coupons-file", "db/seed/coupons.json", "path to coupons JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, couponsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, couponsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedCoupons(ctx, postgres.NewCouponRepository(pool), couponsFile); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, path string) error {
	slog.Info("reading products file", slog.String("path", path))

	var products []productJSON
	if err := readJSON(path, &products); err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(products)))
	for _, p := range products {
		if len(p.Variants) == 0 {
			return errors.Errorf("product %s has no variants", p.ID)
		}
		if err := repo.Upsert(ctx, &product.Product{
			ID:           p.ID,
			Name:         p.Name,
			Description:  p.Description,
			Category:     p.Category,
			Gender:       p.Gender,
			BgColor:      p.BgColor,
			TotalStockMl: p.TotalStockMl,
			Hidden:       p.Hidden,
			Variants:     p.Variants,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("stock_ml", p.TotalStockMl),
		)
	}
	return nil
}

func seedCoupons(ctx context.Context, repo *postgres.CouponRepository, path string) error {
	slog.Info("reading coupons file", slog.String("path", path))

	var coupons []couponJSON
	if err := readJSON(path, &coupons); err != nil {
		return err
	}

	for _, c := range coupons {
		if err := repo.Upsert(ctx, &coupon.Coupon{
			Code:            coupon.Canonical(c.Code),
			DiscountPercent: c.DiscountPercent,
			Active:          c.Active,
			ExpiresAt:       c.ExpiresAt,
		}); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}
		slog.Info("upserted coupon",
			slog.String("code", coupon.Canonical(c.Code)),
			slog.Int("discount_percent", c.DiscountPercent),
		)
	}
	return nil
}
