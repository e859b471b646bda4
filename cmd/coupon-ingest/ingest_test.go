package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
)

func gzSource(t *testing.T, name string, codes ...string) source {
	t.Helper()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Join(codes, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	data := buf.Bytes()
	return source{
		name: name,
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func testIngester() ingester {
	ing := defaultIngester()
	ing.capacity = 1000
	return ing
}

func TestStream(t *testing.T) {
	var got []string
	err := testIngester().stream(context.Background(),
		gzSource(t, "a", " code0001 ", "tiny", "CODE0002", "WAYTOOLONGCODE"),
		func(code string) { got = append(got, code) },
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"CODE0001", "CODE0002"}, got)
}

func TestAccepted(t *testing.T) {
	sources := []source{
		gzSource(t, "a", "FIFTYOFF1", "ONLYINAAA", "short", "happyhrs77"),
		gzSource(t, "b", "FIFTYOFF1", "ONLYINBBB", "HAPPYHRS77"),
		gzSource(t, "c", "FIFTYOFF1", "ONLYINCCC", "WAYTOOLONGCODE"),
	}

	codes, err := testIngester().accepted(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, []string{"FIFTYOFF1", "HAPPYHRS77"}, codes)
}

func TestAccepted_MinFiles(t *testing.T) {
	sources := []source{
		gzSource(t, "a", "CODEAAAA1", "CODEBBBB2"),
		gzSource(t, "b", "CODEAAAA1", "CODEBBBB2"),
		gzSource(t, "c", "CODEAAAA1"),
	}

	ing := testIngester()
	ing.minFiles = 3
	codes, err := ing.accepted(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, []string{"CODEAAAA1"}, codes)

	ing.minFiles = 1
	codes, err = ing.accepted(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, []string{"CODEAAAA1", "CODEBBBB2"}, codes)
}

func TestAccepted_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testIngester().accepted(ctx, []source{gzSource(t, "a", "CODEAAAA1")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuleFor(t *testing.T) {
	r := ruleFor("BUYGETON42")
	assert.Equal(t, "BUYGETON42", r.Code)
	assert.Equal(t, coupon.DiscountFreeLowest, r.DiscountType)
	assert.Equal(t, 2, r.MinItems)
	assert.True(t, r.Singleton)

	r = ruleFor("ZZZZZZZZ")
	assert.Equal(t, coupon.DiscountPercentage, r.DiscountType)
	assert.Equal(t, "10", r.Value.String())
	assert.True(t, r.Singleton)
}

// --- Mock implementations ---

type mockWriter struct {
	batches [][]coupon.Rule
}

func (m *mockWriter) UpsertBatch(_ context.Context, rules []coupon.Rule) (int64, error) {
	m.batches = append(m.batches, rules)
	return int64(len(rules)), nil
}

func TestWriteCoupons(t *testing.T) {
	w := &mockWriter{}
	codes := []string{"CODE00001", "CODE00002", "CODE00003", "CODE00004", "CODE00005"}

	require.NoError(t, writeCoupons(context.Background(), w, codes, 2))
	require.Len(t, w.batches, 3)
	assert.Len(t, w.batches[2], 1)
	assert.Equal(t, "CODE00005", w.batches[2][0].Code)
}
