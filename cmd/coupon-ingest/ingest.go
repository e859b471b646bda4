package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
)

const progressEvery = 10_000_000

// source is one gzip-compressed, newline-separated list of codes.
type source struct {
	name string
	open func() (io.ReadCloser, error)
}

func fileSource(path string) source {
	return source{
		name: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

type ingester struct {
	capacity uint
	fpr      float64
	minFiles int
	minLen   int
	maxLen   int
}

func defaultIngester() ingester {
	return ingester{
		capacity: 120_000_000,
		fpr:      0.001,
		minFiles: 2,
		minLen:   8,
		maxLen:   10,
	}
}

// accepted returns the sorted, upper-cased codes present in at least
// minFiles sources.
func (ing ingester) accepted(ctx context.Context, sources []source) ([]string, error) {
	if len(sources) > bits.UintSize {
		return nil, errors.Errorf("too many files: %d, max %d", len(sources), bits.UintSize)
	}

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(sources)))

	filters, err := ing.buildFilters(ctx, sources)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: finding candidate codes")

	masks, err := ing.candidates(ctx, sources, filters)
	if err != nil {
		return nil, errors.Wrap(err, "find candidate codes")
	}

	merged := make(map[string]uint)
	for _, m := range masks {
		for code, bit := range m {
			merged[code] |= bit
		}
	}

	var codes []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= ing.minFiles {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes, nil
}

func (ing ingester) buildFilters(ctx context.Context, sources []source) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(ing.capacity, ing.fpr)
			var count uint64
			err := ing.stream(ctx, src, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", src.name), slog.Uint64("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "filter %s", src.name)
			}
			slog.Info("pass 1 complete", slog.String("file", src.name), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// candidates marks, per source, the codes some other source's filter also
// contains. The bit of source i is set only by source i's own scan, so the
// popcount of the merged mask counts distinct files.
func (ing ingester) candidates(ctx context.Context, sources []source, filters []*bloom.BloomFilter) ([]map[string]uint, error) {
	results := make([]map[string]uint, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			found := make(map[string]uint)
			bit := uint(1) << uint(i)
			err := ing.stream(ctx, src, func(code string) {
				if ing.minFiles <= 1 {
					found[code] |= bit
					return
				}
				for j, f := range filters {
					if j != i && f.TestString(code) {
						found[code] |= bit
						return
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s", src.name)
			}
			slog.Info("pass 2 complete", slog.String("file", src.name), slog.Int("candidates", len(found)))
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// stream calls fn for each code of acceptable length, upper-cased.
func (ing ingester) stream(ctx context.Context, src source, fn func(code string)) error {
	f, err := src.open()
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if len(code) < ing.minLen || len(code) > ing.maxLen {
			continue
		}
		fn(code)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan")
	}
	return nil
}

// ruleByPrefix maps the first eight characters of a code to its discount.
var ruleByPrefix = map[string]coupon.Rule{
	"BIRTHDAY": {DiscountType: coupon.DiscountFreeLowest, Description: "Birthday: free lowest item"},
	"BUYGETON": {DiscountType: coupon.DiscountFreeLowest, MinItems: 2, Description: "Lowest item free (buy 2+)"},
	"FIFTYOFF": {DiscountType: coupon.DiscountPercentage, Value: decimal.NewFromInt(50), Description: "50% off entire order"},
	"GNULINUX": {DiscountType: coupon.DiscountPercentage, Value: decimal.NewFromInt(15), Description: "Open source discount: 15% off"},
	"OVER9000": {DiscountType: coupon.DiscountFixed, Value: decimal.NewFromInt(90), Description: "90 off your order"},
	"HAPPYHRS": {DiscountType: coupon.DiscountPercentage, Value: decimal.NewFromInt(18), Description: "Happy Hours: 18% off"},
}

// ruleFor returns the singleton catalog rule for an ingested code.
func ruleFor(code string) coupon.Rule {
	rule, ok := ruleByPrefix[code[:min(8, len(code))]]
	if !ok {
		rule = coupon.Rule{
			DiscountType: coupon.DiscountPercentage,
			Value:        decimal.NewFromInt(10),
			Description:  "Promo code: 10% off",
		}
	}
	rule.Code = code
	rule.Singleton = true
	return rule
}

type couponWriter interface {
	UpsertBatch(ctx context.Context, rules []coupon.Rule) (int64, error)
}

// writeCoupons upserts codes in batches of batchSize.
func writeCoupons(ctx context.Context, w couponWriter, codes []string, batchSize int) error {
	slog.Info("writing coupons to database", slog.Int("count", len(codes)))

	batchSize = max(1, batchSize)
	var written int64
	for chunk := range slices.Chunk(codes, batchSize) {
		rules := make([]coupon.Rule, len(chunk))
		for i, code := range chunk {
			rules[i] = ruleFor(code)
		}
		n, err := w.UpsertBatch(ctx, rules)
		if err != nil {
			return errors.Wrapf(err, "upsert batch starting at %s", chunk[0])
		}
		written += n
		slog.Info("write progress", slog.Int64("written", written), slog.Int("total", len(codes)))
	}
	return nil
}
