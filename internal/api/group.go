package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

// ErrNotCreator rejects group edits by anyone but the creating device.
var ErrNotCreator = errors.New("only the creating device can edit a group")

var validGroupTypes = map[string]bool{
	"neighborhood": true,
	"event":        true,
	"emergency":    true,
}

// Watcher is the live channel's subscription surface for opened groups.
type Watcher interface {
	Watch(groupID string)
	Unwatch(groupID string)
}

// GroupService manages groups and favorites. Group creation is the one
// write that needs the server online: ids are server-assigned, and a queue
// entry must never reference an id that does not exist anywhere yet.
type GroupService struct {
	db      *store.DB
	client  *remote.Client
	watcher Watcher
}

func NewGroupService(db *store.DB, client *remote.Client, watcher Watcher) *GroupService {
	return &GroupService{db: db, client: client, watcher: watcher}
}

// Create registers a new geo-anchored group. Fails when offline; the caller
// should surface that instead of pretending the group exists.
func (s *GroupService) Create(ctx context.Context, name, groupType string, latitude, longitude float64) (*store.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxGroupNameLen {
		return nil, &ValidationError{Field: "name", Reason: fmt.Sprintf("must be 1..%d bytes", maxGroupNameLen)}
	}
	if groupType == "" {
		groupType = "neighborhood"
	}
	if !validGroupTypes[groupType] {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", groupType)}
	}
	if err := validateCoordinates(latitude, longitude); err != nil {
		return nil, err
	}
	if _, err := selfDevice(s.db); err != nil {
		return nil, err
	}

	g, err := s.client.CreateGroup(ctx, &remote.CreateGroupRequest{
		Name:      name,
		Type:      groupType,
		Latitude:  latitude,
		Longitude: longitude,
	})
	if err != nil {
		return nil, err
	}
	local := g.ToStore()
	if err := s.db.UpsertGroup(local); err != nil {
		return nil, err
	}
	return local, nil
}

// Rename queues a name change. Only the creating device may rename.
func (s *GroupService) Rename(groupID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxGroupNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be 1..%d bytes", maxGroupNameLen)}
	}
	self, err := selfDevice(s.db)
	if err != nil {
		return err
	}
	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("unknown group %s", groupID)
	}
	if g.CreatorDeviceID != self.ID {
		return ErrNotCreator
	}

	g.Name = name
	g.UpdatedAt = time.Now().UnixMilli()
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	entry := &store.QueueEntry{
		OpKind:         store.OpUpdate,
		Collection:     store.CollectionGroups,
		EntityID:       groupID,
		Payload:        payload,
		IdempotencyKey: uuid.NewString(),
	}
	return s.db.UpsertGroupWithQueue(g, entry)
}

// Favorite queues adding a group to this device's favorites. The live
// channel follows the favorites set, so this also widens the subscription.
func (s *GroupService) Favorite(groupID string) error {
	self, err := selfDevice(s.db)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	f := &store.FavoriteGroup{DeviceID: self.ID, GroupID: groupID, CreatedAt: now, UpdatedAt: now}
	entry := &store.QueueEntry{
		OpKind:         store.OpCreate,
		Collection:     store.CollectionFavorites,
		EntityID:       store.FavoriteEntityID(self.ID, groupID),
		Payload:        []byte(`{}`),
		IdempotencyKey: uuid.NewString(),
	}
	return s.db.PutFavoriteWithQueue(f, entry)
}

// Unfavorite queues removal. An unfavorite right after a not-yet-pushed
// favorite cancels it in the queue outright.
func (s *GroupService) Unfavorite(groupID string) error {
	self, err := selfDevice(s.db)
	if err != nil {
		return err
	}
	entry := &store.QueueEntry{
		OpKind:         store.OpDelete,
		Collection:     store.CollectionFavorites,
		EntityID:       store.FavoriteEntityID(self.ID, groupID),
		Payload:        []byte(`{}`),
		IdempotencyKey: uuid.NewString(),
	}
	return s.db.DeleteFavoriteWithQueue(self.ID, groupID, entry)
}

// ToggleFavorite flips the favorite state and reports the new state.
func (s *GroupService) ToggleFavorite(groupID string) (bool, error) {
	self, err := selfDevice(s.db)
	if err != nil {
		return false, err
	}
	fav, err := s.db.IsFavorite(self.ID, groupID)
	if err != nil {
		return false, err
	}
	if fav {
		return false, s.Unfavorite(groupID)
	}
	return true, s.Favorite(groupID)
}

// Open marks a group as on-screen so the live channel subscribes to it even
// when it is not favorited.
func (s *GroupService) Open(groupID string) {
	if s.watcher != nil {
		s.watcher.Watch(groupID)
	}
}

// Close undoes Open.
func (s *GroupService) Close(groupID string) {
	if s.watcher != nil {
		s.watcher.Unwatch(groupID)
	}
}

// Observe returns a live query over all cached groups.
func (s *GroupService) Observe() (*store.LiveQuery[store.Group], error) {
	return store.Observe(s.db, s.db.ListGroups, store.CollectionGroups)
}

// ObserveFavorites returns a live query over this device's favorite groups.
// It re-runs on favorite and group changes alike, since either can change
// the result.
func (s *GroupService) ObserveFavorites() (*store.LiveQuery[store.Group], error) {
	self, err := selfDevice(s.db)
	if err != nil {
		return nil, err
	}
	return store.Observe(s.db, func() ([]store.Group, error) {
		return s.db.ListFavorites(self.ID)
	}, store.CollectionFavorites, store.CollectionGroups)
}

// Refresh fetches the group directory once, outside the delta feed. Useful
// for first run and pull-to-refresh.
func (s *GroupService) Refresh(ctx context.Context) error {
	groups, err := s.client.ListGroups(ctx)
	if err != nil {
		return err
	}
	return s.cache(groups)
}

// Nearby lists groups anchored around the caller's position and caches them
// locally so they survive going offline.
func (s *GroupService) Nearby(ctx context.Context, latitude, longitude float64) ([]store.Group, error) {
	if err := validateCoordinates(latitude, longitude); err != nil {
		return nil, err
	}
	groups, err := s.client.NearbyGroups(ctx, latitude, longitude)
	if err != nil {
		return nil, err
	}
	if err := s.cache(groups); err != nil {
		return nil, err
	}
	out := make([]store.Group, 0, len(groups))
	for i := range groups {
		out = append(out, *groups[i].ToStore())
	}
	return out, nil
}

func (s *GroupService) cache(groups []remote.Group) error {
	for i := range groups {
		if err := s.db.UpsertGroup(groups[i].ToStore()); err != nil {
			return err
		}
	}
	return nil
}

func validateCoordinates(latitude, longitude float64) error {
	if latitude < -90 || latitude > 90 {
		return &ValidationError{Field: "latitude", Reason: "must be within [-90, 90]"}
	}
	if longitude < -180 || longitude > 180 {
		return &ValidationError{Field: "longitude", Reason: "must be within [-180, 180]"}
	}
	return nil
}
