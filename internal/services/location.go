package services

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/matgo18/TheyMissYou/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	regionPadding = 1.5
	minRegionSpan = 1.0
)

// UserLocation is a user placed on the map
type UserLocation struct {
	UserID    string  `json:"userId"`
	Username  string  `json:"username"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Region is the map area covering a set of locations
type Region struct {
	CenterLatitude  float64 `json:"centerLatitude"`
	CenterLongitude float64 `json:"centerLongitude"`
	LatitudeDelta   float64 `json:"latitudeDelta"`
	LongitudeDelta  float64 `json:"longitudeDelta"`
}

// WorldRegion is shown when no location is known
var WorldRegion = Region{LatitudeDelta: 180, LongitudeDelta: 180}

// LocationSnapshot is the result of one locations fetch
type LocationSnapshot struct {
	Locations []UserLocation `json:"locations"`
	Region    Region         `json:"region"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// LocationService answers where a user and the people they share groups with are
type LocationService struct {
	users  *UserDirectory
	groups *GroupRegistry

	mu      sync.Mutex
	nextGen uint64
	started map[string]uint64
	latest  map[string]LocationSnapshot
}

// NewLocationService creates a new location service that drops stored
// results when their owner signs out
func NewLocationService(users *UserDirectory, groups *GroupRegistry, bus *events.Bus) *LocationService {
	s := &LocationService{
		users:   users,
		groups:  groups,
		started: make(map[string]uint64),
		latest:  make(map[string]LocationSnapshot),
	}
	bus.OnIdentityChanged(func(ctx context.Context, e events.IdentityChanged) {
		if !e.SignedIn {
			s.Forget(e.UserID)
		}
	})
	return s
}

// UserLocations fetches the located profiles among userID and its shared-group
// users. A fetch that completes after a later one has started is not stored.
func (s *LocationService) UserLocations(ctx context.Context, userID string) (LocationSnapshot, error) {
	if userID == "" {
		return LocationSnapshot{}, ErrNotAuthenticated
	}

	s.mu.Lock()
	s.nextGen++
	gen := s.nextGen
	s.started[userID] = gen
	s.mu.Unlock()

	shared, err := s.groups.UpdateUsersInSharedGroups(ctx, userID)
	if err != nil {
		return LocationSnapshot{}, err
	}
	profiles, err := s.users.GetUsers(ctx, append(shared, userID))
	if err != nil {
		return LocationSnapshot{}, err
	}

	locations := make([]UserLocation, 0, len(profiles))
	for _, u := range profiles {
		if !u.HasLocation() {
			continue
		}
		locations = append(locations, UserLocation{
			UserID:    u.ID,
			Username:  u.Username,
			Latitude:  *u.Latitude,
			Longitude: *u.Longitude,
		})
	}
	sort.Slice(locations, func(i, j int) bool {
		if locations[i].Username == locations[j].Username {
			return locations[i].UserID < locations[j].UserID
		}
		return locations[i].Username < locations[j].Username
	})

	snapshot := LocationSnapshot{
		Locations: locations,
		Region:    RegionFor(locations),
		FetchedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started[userID] != gen {
		metrics.RecordStaleResult("locations")
		log.Debug().Str("user_id", userID).Msg("Discarding superseded locations fetch")
		if latest, ok := s.latest[userID]; ok {
			return latest, nil
		}
		return snapshot, nil
	}
	s.latest[userID] = snapshot
	return snapshot, nil
}

// Latest returns the last stored locations of userID
func (s *LocationService) Latest(userID string) (LocationSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.latest[userID]
	return snapshot, ok
}

// Forget drops the stored locations of userID
func (s *LocationService) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, userID)
	s.nextGen++
	s.started[userID] = s.nextGen
}

// RegionFor centers on the bounding box of locations, padded by half its size
func RegionFor(locations []UserLocation) Region {
	if len(locations) == 0 {
		return WorldRegion
	}

	minLat, maxLat := locations[0].Latitude, locations[0].Latitude
	minLon, maxLon := locations[0].Longitude, locations[0].Longitude
	for _, l := range locations[1:] {
		minLat = math.Min(minLat, l.Latitude)
		maxLat = math.Max(maxLat, l.Latitude)
		minLon = math.Min(minLon, l.Longitude)
		maxLon = math.Max(maxLon, l.Longitude)
	}

	return Region{
		CenterLatitude:  (minLat + maxLat) / 2,
		CenterLongitude: (minLon + maxLon) / 2,
		LatitudeDelta:   math.Max(math.Abs(maxLat-minLat)*regionPadding, minRegionSpan),
		LongitudeDelta:  math.Max(math.Abs(maxLon-minLon)*regionPadding, minRegionSpan),
	}
}
