package controls

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/store"
)

func dated(id, projectID, date string) control.Control {
	return control.Normalize(map[string]any{"id": id, "projectId": projectID, "type": "Egenkontroll", "date": date})
}

func TestLoadControlsMergesInCollectionOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.local.PutAll(ctx, cache.Drafts.For("acme"), []control.Control{
		dated("d1", "P1", "2024-01-04"),
		dated("shared", "P1", "2024-01-01"),
		dated("other-project", "P2", "2024-01-09"),
	}))
	require.NoError(t, f.local.PutAll(ctx, cache.Completed.For("acme"), []control.Control{
		dated("c1", "P1", "2024-01-03"),
		dated("shared", "P1", "2024-01-02"),
	}))
	f.remote.completed["r1"] = dated("r1", "P1", "2024-01-05")
	f.remote.completed["c1"] = dated("c1", "P1", "2024-01-08")
	f.remote.drafts["rd1"] = dated("rd1", "P1", "2024-01-06")
	f.remote.drafts["r1"] = dated("r1", "P1", "2024-01-07")

	listing := f.load(t)
	assert.Empty(t, listing.Degraded)

	got := make([]string, 0, len(listing.Controls))
	for _, c := range listing.Controls {
		got = append(got, fmt.Sprintf("%s:%t:%s", c.ID, c.IsDraft, c.Date))
	}
	assert.Equal(t, []string{
		"rd1:true:2024-01-06",
		"r1:false:2024-01-05",
		"d1:true:2024-01-04",
		"c1:false:2024-01-03",
		"shared:true:2024-01-01",
	}, got)
}

func TestLoadControlsOrdersByBestAvailableTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.local.PutAll(ctx, cache.Completed.For("acme"), []control.Control{
		control.Normalize(map[string]any{"id": "epoch", "projectId": "P1"}),
		control.Normalize(map[string]any{"id": "created", "projectId": "P1", "createdAt": "2024-02-01T00:00:00Z"}),
		control.Normalize(map[string]any{"id": "saved", "projectId": "P1", "savedAt": "2024-03-01T00:00:00Z", "createdAt": "2025-01-01T00:00:00Z"}),
		control.Normalize(map[string]any{"id": "dated", "projectId": "P1", "date": "2024-04-01", "savedAt": "2020-01-01T00:00:00Z"}),
	}))

	listing := f.load(t)
	ids := []string{}
	for _, c := range listing.Controls {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"dated", "saved", "created", "epoch"}, ids)
}

func TestLoadControlsDegradesOnRemoteFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.local.PutAll(ctx, cache.Drafts.For("acme"), []control.Control{dated("d1", "P1", "2024-01-01")}))
	f.remote.failLists = true

	listing := f.load(t)
	require.Len(t, listing.Controls, 1)
	require.Len(t, listing.Degraded, 2)
	assert.Equal(t, SourceRemoteCompleted, listing.Degraded[0].Source)
	assert.Equal(t, SourceRemoteDrafts, listing.Degraded[1].Source)
	assert.False(t, listing.Degraded[0].PermissionDenied)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DegradedReads.WithLabelValues(SourceRemoteDrafts)))
}

func TestLoadControlsFlagsPermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.listErr = fmt.Errorf("%w: role lacks select", store.ErrPermissionDenied)

	listing := f.load(t)
	require.Len(t, listing.Degraded, 2)
	assert.True(t, listing.Degraded[0].PermissionDenied)
	assert.Equal(t, "permission denied by remote store", listing.Degraded[0].Message)
}

func TestLoadControlsFailsOnLocalReadError(t *testing.T) {
	local := &failingCache{Store: openLocal(t), failGet: true}
	f := newFixture(t, local)

	_, err := f.svc.LoadControls(context.Background(), f.scope)
	assert.ErrorIs(t, err, ErrLocalStore)
}

func TestLoadControlsRequiresProject(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.LoadControls(context.Background(), store.Scope{CompanyID: "acme"})
	assert.ErrorIs(t, err, ErrMissingProject)
}

func TestTombstonesArePrunedOnceRemoteCopyIsGone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	saved, err := f.svc.SaveCompleted(ctx, f.scope, newControl("a1"))
	require.NoError(t, err)
	f.remote.failDeletes = true
	_, err = f.svc.Delete(ctx, f.scope, saved.Control)
	require.NoError(t, err)

	tombstones, err := f.local.GetAll(ctx, cache.Tombstones.For("acme"))
	require.NoError(t, err)
	require.Len(t, tombstones, 1)

	// The next read retries the remote delete; once it lands the tombstone goes.
	f.remote.set(func(r *fakeRemote) { r.failDeletes = false })
	assert.Empty(t, entriesFor(f.load(t), "a1"))
	assert.NotContains(t, f.remote.completed, "a1")

	f.load(t)
	tombstones, err = f.local.GetAll(ctx, cache.Tombstones.For("acme"))
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestTombstonesSurviveDegradedReads(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.local.PutAll(ctx, cache.Tombstones.For("acme"), []control.Control{
		tombstone("gone", "P1", control.StatusCompleted, f.clock.Now()),
	}))
	f.remote.failLists = true

	f.load(t)
	tombstones, err := f.local.GetAll(ctx, cache.Tombstones.For("acme"))
	require.NoError(t, err)
	assert.Len(t, tombstones, 1)
}

func TestFindControl(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.remote.drafts["rd"] = dated("rd", "P1", "2024-01-01")

	c, err := f.svc.FindControl(ctx, f.scope, "rd")
	require.NoError(t, err)
	assert.True(t, c.IsDraft)

	_, err = f.svc.FindControl(ctx, f.scope, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRemoteCompletedDoesNotDegrade(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.remote.completed["a"] = dated("a", "P1", "2024-01-01")
	f.remote.completed["b"] = dated("b", "P1", "2024-01-02")

	items, err := f.svc.ListRemoteCompleted(ctx, f.scope)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)

	f.remote.listErr = fmt.Errorf("%w: nope", store.ErrPermissionDenied)
	_, err = f.svc.ListRemoteCompleted(ctx, f.scope)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
