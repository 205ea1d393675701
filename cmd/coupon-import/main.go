package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/aromaticus/internal/domain/coupon"
	"github.com/xenking/aromaticus/internal/storage/postgres"
)

const (
	batchSize     = 1000
	writers       = 4
	progressEvery = 100_000
)

func main() {
	var (
		databaseURL string
		strict      bool
		dryRun      bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&strict, "strict", false, "fail on the first malformed line instead of skipping it")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and report without writing")
	flag.Usage = func() {
		_, _ = io.WriteString(flag.CommandLine.Output(),
			"usage: coupon-import [flags] FILE.csv.gz...\n\n"+
				"Each line is CODE,PERCENT,EXPIRES[,ACTIVE]. EXPIRES is RFC 3339 or YYYY-MM-DD\n"+
				"(valid through the end of that day, UTC). ACTIVE defaults to true.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, flag.Args(), strict, dryRun); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, databaseURL string, files []string, strict, dryRun bool) error {
	slog.Info("reading coupon files", slog.Int("files", len(files)))

	coupons, err := readAll(ctx, files, strict)
	if err != nil {
		return err
	}
	slog.Info("unique codes parsed", slog.Int("count", len(coupons)))

	if dryRun || len(coupons) == 0 {
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	return write(ctx, postgres.NewCouponRepository(pool), coupons)
}

// readAll parses files concurrently and merges them. When a code appears
// more than once the entry expiring last wins.
func readAll(ctx context.Context, files []string, strict bool) ([]coupon.Coupon, error) {
	var (
		mu     sync.Mutex
		merged = make(map[string]coupon.Coupon)
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, path := range files {
		g.Go(func() error {
			var parsed, skipped int
			err := streamGzFile(ctx, path, func(lineNo int, line string) error {
				c, ok, err := parseLine(line)
				if err != nil {
					if strict {
						return errors.Wrapf(err, "%s:%d", path, lineNo)
					}
					skipped++
					slog.Warn("skipping line",
						slog.String("file", path),
						slog.Int("line", lineNo),
						slog.String("error", err.Error()),
					)
					return nil
				}
				if !ok {
					return nil
				}

				mu.Lock()
				if prev, seen := merged[c.Code]; !seen || c.ExpiresAt.After(prev.ExpiresAt) {
					merged[c.Code] = c
				}
				mu.Unlock()

				parsed++
				if parsed%progressEvery == 0 {
					slog.Info("read progress", slog.String("file", path), slog.Int("codes", parsed))
				}
				return nil
			})
			if err != nil {
				return err
			}
			slog.Info("file complete",
				slog.String("file", path),
				slog.Int("codes", parsed),
				slog.Int("skipped", skipped),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]coupon.Coupon, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// parseLine reports ok=false for blank lines and # comments.
func parseLine(line string) (c coupon.Coupon, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return c, false, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) < 3 || len(fields) > 4 {
		return c, false, errors.Errorf("want 3 or 4 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	c.Code = coupon.Canonical(fields[0])
	if c.Code == "" {
		return c, false, errors.New("empty code")
	}

	c.DiscountPercent, err = strconv.Atoi(fields[1])
	if err != nil || c.DiscountPercent < 1 || c.DiscountPercent > 100 {
		return c, false, errors.Errorf("percent %q is not between 1 and 100", fields[1])
	}

	c.ExpiresAt, err = parseExpiry(fields[2])
	if err != nil {
		return c, false, err
	}

	c.Active = true
	if len(fields) == 4 {
		c.Active, err = strconv.ParseBool(fields[3])
		if err != nil {
			return c, false, errors.Errorf("active flag %q is not a boolean", fields[3])
		}
	}
	return c, true, nil
}

func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.Errorf("expiry %q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return d.Add(24*time.Hour - time.Second), nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(lineNo int, line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return scanLines(ctx, gz, fn)
}

func scanLines(ctx context.Context, r io.Reader, fn func(lineNo int, line string) error) error {
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(n, scanner.Text()); err != nil {
			return err
		}
	}
	return errors.Wrap(scanner.Err(), "scan")
}

type batchWriter interface {
	UpsertBatch(ctx context.Context, coupons []coupon.Coupon) error
}

// write upserts coupons in batches with a few batches in flight.
func write(ctx context.Context, repo batchWriter, coupons []coupon.Coupon) error {
	slog.Info("writing coupons to database", slog.Int("count", len(coupons)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(writers)
	for start := 0; start < len(coupons); start += batchSize {
		batch := coupons[start:min(start+batchSize, len(coupons))]
		g.Go(func() error {
			if err := repo.UpsertBatch(ctx, batch); err != nil {
				return errors.Wrapf(err, "upsert batch at %d", start)
			}
			slog.Info("write progress", slog.Int("written", start+len(batch)), slog.Int("total", len(coupons)))
			return nil
		})
	}
	return g.Wait()
}
