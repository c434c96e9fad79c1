package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionFor(t *testing.T) {
	assert.Equal(t, WorldRegion, RegionFor(nil))

	single := RegionFor([]UserLocation{{Latitude: 10, Longitude: 20}})
	assert.Equal(t, Region{CenterLatitude: 10, CenterLongitude: 20, LatitudeDelta: 1, LongitudeDelta: 1}, single)

	spread := RegionFor([]UserLocation{
		{Latitude: 40, Longitude: -10},
		{Latitude: 50, Longitude: 10},
		{Latitude: 45, Longitude: 0},
	})
	assert.InDelta(t, 45, spread.CenterLatitude, 1e-9)
	assert.InDelta(t, 0, spread.CenterLongitude, 1e-9)
	assert.InDelta(t, 15, spread.LatitudeDelta, 1e-9)
	assert.InDelta(t, 30, spread.LongitudeDelta, 1e-9)
}

func TestLocationService_OnlySharedGroupUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID
	bob := env.register(t, "bob").User.ID
	carol := env.register(t, "carol").User.ID
	env.register(t, "dave")

	_, err := env.users.UpdateLocation(asUser(alice), 48.0, 2.0)
	require.NoError(t, err)
	_, err = env.users.UpdateLocation(asUser(bob), 52.0, 4.0)
	require.NoError(t, err)
	_, err = env.users.UpdateLocation(asUser(carol), -33.0, 151.0)
	require.NoError(t, err)

	g1, err := env.groups.CreateGroup(ctx, "G1", alice)
	require.NoError(t, err)
	_, err = env.groups.JoinGroup(ctx, g1.ID, bob)
	require.NoError(t, err)

	snapshot, err := env.locations.UserLocations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, snapshot.Locations, 2)
	assert.Equal(t, "alice", snapshot.Locations[0].Username)
	assert.Equal(t, "bob", snapshot.Locations[1].Username)
	assert.InDelta(t, 50, snapshot.Region.CenterLatitude, 1e-9)
	assert.InDelta(t, 6, snapshot.Region.LatitudeDelta, 1e-9)

	latest, ok := env.locations.Latest(alice)
	require.True(t, ok)
	assert.Equal(t, snapshot, latest)

	_, err = env.locations.UserLocations(ctx, "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestLocationService_StaleFetchDoesNotOverwrite(t *testing.T) {
	store := newHoldingStore()
	env := newTestEnvWithStore(t, store)
	ctx := context.Background()
	alice := env.register(t, "alice").User.ID

	_, err := env.users.UpdateLocation(asUser(alice), 10, 10)
	require.NoError(t, err)

	// the first fetch reads the old coordinates and stalls
	store.hold("users", 1)
	done := make(chan LocationSnapshot, 1)
	go func() {
		snapshot, _ := env.locations.UserLocations(ctx, alice)
		done <- snapshot
	}()
	store.waitHeld(t, 1)

	_, err = env.users.UpdateLocation(asUser(alice), 20, 20)
	require.NoError(t, err)
	fresh, err := env.locations.UserLocations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, fresh.Locations, 1)
	assert.Equal(t, 20.0, fresh.Locations[0].Latitude)

	store.release()
	stale := <-done
	assert.Equal(t, fresh, stale)

	latest, ok := env.locations.Latest(alice)
	require.True(t, ok)
	assert.Equal(t, 20.0, latest.Locations[0].Latitude)
}

func TestLocationService_ForgetOnSignOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice")

	_, err := env.locations.UserLocations(ctx, alice.User.ID)
	require.NoError(t, err)
	_, ok := env.locations.Latest(alice.User.ID)
	require.True(t, ok)

	require.NoError(t, env.users.SignOut(ctx, alice.Token))
	_, ok = env.locations.Latest(alice.User.ID)
	assert.False(t, ok)
}
