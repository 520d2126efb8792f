package controls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/control"
)

func TestSaveCompletedTwiceLeavesOneCompletedAndNoDraft(t *testing.T) {
	for _, tc := range []struct {
		name       string
		failWrites bool
	}{
		{"remote reachable", false},
		{"remote unreachable", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			f.remote.failWrites = tc.failWrites

			_, err := f.svc.SaveDraft(ctx, f.scope, newControl("X"))
			require.NoError(t, err)
			_, err = f.svc.SaveCompleted(ctx, f.scope, newControl("X"))
			require.NoError(t, err)
			_, err = f.svc.SaveCompleted(ctx, f.scope, newControl("X"))
			require.NoError(t, err)

			entries := entriesFor(f.load(t), "X")
			require.Len(t, entries, 1)
			assert.False(t, entries[0].IsDraft)
		})
	}
}

func TestSaveCompletedFallsBackWhenRemoteAlwaysFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.remote.failWrites = true
	f.remote.failLists = true

	result, err := f.svc.SaveCompleted(ctx, f.scope, newControl("a1"))
	require.NoError(t, err)
	assert.Equal(t, DestinationLocal, result.Destination)
	assert.ErrorIs(t, result.RemoteErr, errUnreachable)

	listing := f.load(t)
	entries := entriesFor(listing, "a1")
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsDraft)
	assert.Len(t, listing.Degraded, 2)
}

func TestLocalCopyWinsOverRemoteCopy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	local := newControl("X")
	local.Notes = "local"
	remote := newControl("X")
	remote.Notes = "remote"
	require.NoError(t, f.local.PutAll(ctx, cache.Completed.For("acme"), []control.Control{local}))
	f.remote.completed["X"] = remote

	entries := entriesFor(f.load(t), "X")
	require.Len(t, entries, 1)
	assert.Equal(t, "local", entries[0].Notes)
}

func TestDeleteCompletedHoldsWhenRemoteDeleteFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	saved, err := f.svc.SaveCompleted(ctx, f.scope, newControl("X"))
	require.NoError(t, err)
	require.Equal(t, DestinationRemote, saved.Destination)

	f.remote.failDeletes = true
	result, err := f.svc.Delete(ctx, f.scope, saved.Control)
	require.NoError(t, err)
	assert.ErrorIs(t, result.RemoteErr, errUnreachable)
	assert.True(t, result.Tombstoned)

	assert.Empty(t, entriesFor(f.load(t), "X"))
	assert.Contains(t, f.index.removed, "X")
}

func TestDraftThenCompletedScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	draft := newControl("a1")
	_, err := f.svc.SaveDraft(ctx, f.scope, draft)
	require.NoError(t, err)

	listing := f.load(t)
	require.Len(t, listing.Controls, 1)
	assert.Equal(t, "a1", listing.Controls[0].ID)
	assert.True(t, listing.Controls[0].IsDraft)

	_, err = f.svc.SaveCompleted(ctx, f.scope, newControl("a1"))
	require.NoError(t, err)

	listing = f.load(t)
	require.Len(t, listing.Controls, 1)
	assert.Equal(t, "a1", listing.Controls[0].ID)
	assert.False(t, listing.Controls[0].IsDraft)
	for _, c := range listing.Controls {
		assert.False(t, c.ID == "a1" && c.IsDraft)
	}
}
