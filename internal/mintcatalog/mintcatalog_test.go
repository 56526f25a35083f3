package mintcatalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cashuwallet/core/internal/store"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dsn := fmt.Sprintf(":memory:?cache=shared&_test=%s", t.Name())
	db, err := store.Open(context.Background(), dsn)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestCreateAndGetByURLNormalizesTrailingSlash(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	m, err := c.Create(ctx, "https://mint.example/", TrustMedium)
	require.Nil(t, err)
	require.Equal(t, "https://mint.example", m.URL)

	got, gerr := c.GetByURL(ctx, "https://mint.example")
	require.Nil(t, gerr)
	require.NotNil(t, got)
	require.Equal(t, m.MintID, got.MintID)
}

func TestGetStaleAndTrusted(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	untrusted, _ := c.Create(ctx, "https://untrusted.example", TrustUntrusted)
	trusted, _ := c.Create(ctx, "https://trusted.example", TrustHigh)
	require.Nil(t, c.UpdateLastSynced(ctx, trusted.MintID))

	stale, err := c.GetStale(ctx, time.Hour)
	require.Nil(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, untrusted.MintID, stale[0].MintID)

	tr, err := c.GetTrusted(ctx)
	require.Nil(t, err)
	require.Len(t, tr, 1)
	require.Equal(t, trusted.MintID, tr[0].MintID)
}

// After a sync, active keysets match exactly what the mint advertised;
// keysets dropped from the advertised set stay persisted but inactive.
func TestSyncKeysetsDiff(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	m, _ := c.Create(ctx, "https://mint.example", TrustHigh)

	require.Nil(t, c.UpsertKeyset(ctx, &Keyset{MintID: m.MintID, ID: "gen1", Unit: "sat", Active: true, Keys: map[string]string{"1": "aa"}}))
	require.Nil(t, c.UpsertKeyset(ctx, &Keyset{MintID: m.MintID, ID: "gen2", Unit: "sat", Active: true, Keys: map[string]string{"1": "bb"}}))

	// mint now only advertises gen2 and a brand new gen3.
	err := c.SyncKeysets(ctx, m.MintID, []*Keyset{
		{ID: "gen2", Unit: "sat", Keys: map[string]string{"1": "bb"}},
		{ID: "gen3", Unit: "sat", Keys: map[string]string{"1": "cc"}},
	})
	require.Nil(t, err)

	activeTrue := true
	active, aerr := c.Keysets(ctx, m.MintID, &activeTrue)
	require.Nil(t, aerr)
	activeIDs := map[string]bool{}
	for _, k := range active {
		activeIDs[k.ID] = true
	}
	require.Equal(t, map[string]bool{"gen2": true, "gen3": true}, activeIDs)

	all, allErr := c.Keysets(ctx, m.MintID, nil)
	require.Nil(t, allErr)
	require.Len(t, all, 3) // gen1 deactivated, still present
}
