package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/cargonizer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
)

type fakeFetcher struct {
	agreements []cargonizer.TransportAgreement
	err        error
	calls      int
}

func (f *fakeFetcher) FetchAgreements(_ context.Context) ([]cargonizer.TransportAgreement, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.agreements, nil
}

func sampleCatalog() []cargonizer.TransportAgreement {
	return []cargonizer.TransportAgreement{
		{
			ID:          "123",
			CarrierName: "Posten",
			Products: []cargonizer.Product{
				{ID: "servicepakke", Name: "Servicepakke"},
				{ID: "pa-doren", Name: "På Døren"},
			},
		},
	}
}

func TestFetchPopulatesAndReusesCache(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{agreements: sampleCatalog()}
	cache := New(fetcher, kv.NewMemoryStore(), "sender", "https://example.no/", nil, zap.NewNop())

	got, err := cache.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, sampleCatalog(), got)
	assert.Equal(t, 1, fetcher.calls)

	// memo tier serves the second call
	_, err = cache.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
}

func TestFetchReadsSharedCacheWhenMemoExpired(t *testing.T) {
	t.Parallel()
	store := kv.NewMemoryStore()
	fetcher := &fakeFetcher{agreements: sampleCatalog()}
	cache := New(fetcher, store, "sender", "https://example.no/", nil, zap.NewNop())

	_, err := cache.Fetch(context.Background(), false)
	require.NoError(t, err)

	cache.timeNow = func() time.Time { return time.Now().Add(time.Hour) }
	got, err := cache.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, sampleCatalog(), got)
	// shared cache hit, no second live call
	assert.Equal(t, 1, fetcher.calls)
}

func TestFetchPropagatesLiveError(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{err: &cargonizer.Error{Kind: cargonizer.KindTransport, Admin: "boom"}}
	cache := New(fetcher, kv.NewMemoryStore(), "sender", "https://example.no/", nil, zap.NewNop())

	_, err := cache.Fetch(context.Background(), false)
	var cerr *cargonizer.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cargonizer.KindTransport, cerr.Kind)
}

func TestFetchFilterAllowed(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{agreements: sampleCatalog()}
	cache := New(fetcher, kv.NewMemoryStore(), "sender", "https://example.no/",
		[]string{"123|servicepakke"}, zap.NewNop())

	got, err := cache.Fetch(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Products, 1)
	assert.Equal(t, "servicepakke", got[0].Products[0].ID)

	// unfiltered view is untouched
	all, err := cache.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, all[0].Products, 2)
}

func TestWarmEvictsAndRepopulates(t *testing.T) {
	t.Parallel()
	store := kv.NewMemoryStore()
	fetcher := &fakeFetcher{agreements: sampleCatalog()}
	cache := New(fetcher, store, "sender", "https://example.no/", nil, zap.NewNop())

	require.NoError(t, cache.Warm(context.Background()))
	assert.Equal(t, 1, fetcher.calls)

	got, err := cache.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, sampleCatalog(), got)
	assert.Equal(t, 1, fetcher.calls)
}

func TestCacheKeyVariesBySender(t *testing.T) {
	t.Parallel()
	a := New(&fakeFetcher{}, kv.NewMemoryStore(), "sender-a", "https://example.no/", nil, zap.NewNop())
	b := New(&fakeFetcher{}, kv.NewMemoryStore(), "sender-b", "https://example.no/", nil, zap.NewNop())
	assert.NotEqual(t, a.key, b.key)
}
