package coordinate

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the authoritative in-memory entity map.
// owns versioning, mutation, and subscriber notification. every mutation
// funnels through one code path under `stateLock`, so version bump, field
// mutation, and notification appear as one atomic step to callers.
// optimistic concurrency: a caller that supplies a stale expected version
// is routed through the conflict resolver before anything is applied.

type EntityWatchFunction = func(entity *Entity, source UpdateSource)

func DefaultEntityStoreSettings() *EntityStoreSettings {
	return &EntityStoreSettings{
		WarnSlowNotifyDuration: 50 * time.Millisecond,
	}
}

type EntityStoreSettings struct {
	// log a warning when a single subscriber callback exceeds this
	WarnSlowNotifyDuration time.Duration
}

type entityRecord struct {
	entity *Entity
	// snapshot before the most recent applied write.
	// the resolver diffs against this to classify what the intervening
	// write touched.
	prior       *Entity
	updateCount int
}

type UpdateOptions struct {
	// 0 means no version expectation: the mutation is unconditional
	ExpectedVersion       int
	SkipConflictDetection bool
}

type UpdateResult struct {
	// the applied entity. nil when nothing was applied.
	Entity *Entity
	// non-nil when the conflict resolver was engaged
	Conflict *ConflictResolutionResult
}

type StoreMetrics struct {
	UpdateCount         int
	SubscriptionCount   int
	EntityCount         int
	AverageUpdateMillis float64
	MaxUpdateMillis     float64
}

type EntityUpdate struct {
	EntityId string
	Changes  *EntityChanges
}

type VersionedEntityStore struct {
	bus      *EventBus
	settings *EntityStoreSettings

	stateLock sync.Mutex

	records map[string]*entityRecord
	// per-id subscriber lists live apart from the records so that a view
	// can subscribe ahead of entity creation
	entitySubscribers map[string]*CallbackList[EntityWatchFunction]
	allSubscribers    *CallbackList[EntityWatchFunction]

	updateCount       int
	totalUpdateMillis float64
	maxUpdateMillis   float64
}

func NewVersionedEntityStoreWithDefaults(bus *EventBus) *VersionedEntityStore {
	return NewVersionedEntityStore(bus, DefaultEntityStoreSettings())
}

func NewVersionedEntityStore(bus *EventBus, settings *EntityStoreSettings) *VersionedEntityStore {
	return &VersionedEntityStore{
		bus:               bus,
		settings:          settings,
		records:           map[string]*entityRecord{},
		entitySubscribers: map[string]*CallbackList[EntityWatchFunction]{},
		allSubscribers:    NewCallbackList[EntityWatchFunction](),
	}
}

func (self *VersionedEntityStore) Get(entityId string) *Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.records[entityId]
	if !ok {
		return nil
	}
	return record.entity.Clone()
}

func (self *VersionedEntityStore) Has(entityId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.records[entityId]
	return ok
}

func (self *VersionedEntityStore) GetAll() map[string]*Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	all := make(map[string]*Entity, len(self.records))
	for entityId, record := range self.records {
		all[entityId] = record.entity.Clone()
	}
	return all
}

func (self *VersionedEntityStore) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.records)
}

func (self *VersionedEntityStore) GetVersion(entityId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.records[entityId]
	if !ok {
		return 0
	}
	return record.entity.Version
}

// entities under `parentId`. empty parent id selects roots.
// order is stable (created-at, then id). sibling-chain order is the
// hierarchy cache's concern.
func (self *VersionedEntityStore) GetNodesForParent(parentId string) []*Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nodes := []*Entity{}
	for _, record := range self.records {
		if record.entity.ParentId == parentId {
			nodes = append(nodes, record.entity.Clone())
		}
	}
	slices.SortFunc(nodes, func(a *Entity, b *Entity) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Id, b.Id)
	})
	return nodes
}

// upsert. a new id initializes at version 1. replacing an existing id
// keeps the caller's version when set, else resets to 1.
// subscribers are notified unless `skipNotify` (bulk initial load).
func (self *VersionedEntityStore) Set(entity *Entity, source UpdateSource, skipNotify bool) *Entity {
	start := time.Now()

	var applied *Entity
	var prior *Entity
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := time.Now().UnixMilli()
		next := entity.Clone()
		record, ok := self.records[entity.Id]
		if !ok {
			next.Version = 1
			if next.CreatedAt == 0 {
				next.CreatedAt = now
			}
			next.ModifiedAt = now
			self.records[entity.Id] = &entityRecord{
				entity: next,
			}
		} else {
			if next.Version <= 0 {
				next.Version = 1
			}
			if next.CreatedAt == 0 {
				next.CreatedAt = record.entity.CreatedAt
			}
			next.ModifiedAt = now
			prior = record.entity
			record.prior = record.entity
			record.entity = next
		}
		applied = next
		self.records[entity.Id].updateCount += 1
		self.updateCount += 1
	}()

	if !skipNotify {
		self.notify(applied, source)
		self.emitMutation(applied, prior, source)
	}
	self.recordUpdateLatency(start)
	return applied.Clone()
}

// partial update with optional optimistic concurrency.
// an unknown id logs a warning and no-ops. a stale expected version is
// routed through the conflict resolver; the merged entity (when resolution
// allows one) is applied in its place.
func (self *VersionedEntityStore) Update(entityId string, changes *EntityChanges, source UpdateSource, options *UpdateOptions) *UpdateResult {
	start := time.Now()

	var applied *Entity
	var prior *Entity
	var conflict *ConflictResolutionResult
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		record, ok := self.records[entityId]
		if !ok {
			glog.Warningf("[store]update unknown entity %s (source = %s)\n", entityId, source)
			return
		}

		current := record.entity

		if options != nil && options.ExpectedVersion != 0 &&
			options.ExpectedVersion != current.Version &&
			!options.SkipConflictDetection {
			conflict = TryAutoMerge(changes, current, record.prior, options.ExpectedVersion)
			if conflict.Strategy == ResolutionUserChoiceRequired {
				glog.V(1).Infof("[store]conflict requires user choice %s v%d (expected v%d)\n",
					entityId, current.Version, options.ExpectedVersion)
				return
			}
			prior = current
			record.prior = current
			record.entity = conflict.MergedEntity.Clone()
			applied = record.entity
		} else {
			next := changes.ApplyTo(current)
			next.Version = current.Version + 1
			next.ModifiedAt = time.Now().UnixMilli()
			prior = current
			record.prior = current
			record.entity = next
			applied = next
		}
		record.updateCount += 1
		self.updateCount += 1
	}()

	if applied != nil {
		self.notify(applied, source)
		self.emitMutation(applied, prior, source)
	}
	self.recordUpdateLatency(start)
	return &UpdateResult{
		Entity:   applied.Clone(),
		Conflict: conflict,
	}
}

// applies each update in list order, individually versioned.
// a no-op on one entry (unknown id, unresolvable conflict) does not
// block the others.
func (self *VersionedEntityStore) UpdateMany(updates []*EntityUpdate, source UpdateSource) []*UpdateResult {
	results := make([]*UpdateResult, 0, len(updates))
	for _, update := range updates {
		results = append(results, self.Update(update.EntityId, update.Changes, source, nil))
	}
	return results
}

// removes the entity and its subscriber list.
// wildcard subscribers observe the deletion with the removed snapshot.
// the persistence coordinator listens for the deleted event and cancels
// any live debounce timer for the id.
func (self *VersionedEntityStore) Delete(entityId string, source UpdateSource) bool {
	var removed *Entity
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		record, ok := self.records[entityId]
		if !ok {
			glog.Warningf("[store]delete unknown entity %s (source = %s)\n", entityId, source)
			return
		}
		removed = record.entity
		if subscribers, ok := self.entitySubscribers[entityId]; ok {
			subscribers.Clear()
			delete(self.entitySubscribers, entityId)
		}
		delete(self.records, entityId)
	}()

	if removed == nil {
		return false
	}

	for _, entry := range self.allSubscribers.Get() {
		self.notifyOne(self.allSubscribers, entry, removed, source)
	}
	self.bus.Emit(&Event{
		Type:     EventTypeEntityDeleted,
		EntityId: entityId,
		Entity:   removed.Clone(),
		Source:   source,
	})
	affectedParents := []string{}
	if removed.ParentId != "" {
		affectedParents = append(affectedParents, removed.ParentId)
	}
	self.bus.Emit(&Event{
		Type:      EventTypeHierarchyChanged,
		EntityId:  entityId,
		EntityIds: affectedParents,
		Source:    source,
	})
	return true
}

// per-id observer. the returned func unsubscribes; once it returns, the
// callback never fires again.
func (self *VersionedEntityStore) Subscribe(entityId string, callback EntityWatchFunction) func() {
	self.stateLock.Lock()
	subscribers, ok := self.entitySubscribers[entityId]
	if !ok {
		subscribers = NewCallbackList[EntityWatchFunction]()
		self.entitySubscribers[entityId] = subscribers
	}
	self.stateLock.Unlock()

	callbackId := subscribers.Add(callback)
	return func() {
		subscribers.Remove(callbackId)
	}
}

func (self *VersionedEntityStore) SubscribeAll(callback EntityWatchFunction) func() {
	callbackId := self.allSubscribers.Add(callback)
	return func() {
		self.allSubscribers.Remove(callbackId)
	}
}

func (self *VersionedEntityStore) GetMetrics() *StoreMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriptionCount := self.allSubscribers.Count()
	for _, subscribers := range self.entitySubscribers {
		subscriptionCount += subscribers.Count()
	}
	averageUpdateMillis := float64(0)
	if 0 < self.updateCount {
		averageUpdateMillis = self.totalUpdateMillis / float64(self.updateCount)
	}
	return &StoreMetrics{
		UpdateCount:         self.updateCount,
		SubscriptionCount:   subscriptionCount,
		EntityCount:         len(self.records),
		AverageUpdateMillis: averageUpdateMillis,
		MaxUpdateMillis:     self.maxUpdateMillis,
	}
}

func (self *VersionedEntityStore) ResetMetrics() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.updateCount = 0
	self.totalUpdateMillis = 0
	self.maxUpdateMillis = 0
}

// clears all entities, subscriptions, and metrics
func (self *VersionedEntityStore) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, subscribers := range self.entitySubscribers {
		subscribers.Clear()
	}
	maps.Clear(self.entitySubscribers)
	maps.Clear(self.records)
	self.allSubscribers.Clear()
	self.updateCount = 0
	self.totalUpdateMillis = 0
	self.maxUpdateMillis = 0
}

func (self *VersionedEntityStore) notify(entity *Entity, source UpdateSource) {
	var subscribers *CallbackList[EntityWatchFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		subscribers = self.entitySubscribers[entity.Id]
	}()

	if subscribers != nil {
		for _, entry := range subscribers.Get() {
			self.notifyOne(subscribers, entry, entity, source)
		}
	}
	for _, entry := range self.allSubscribers.Get() {
		self.notifyOne(self.allSubscribers, entry, entity, source)
	}
}

func (self *VersionedEntityStore) notifyOne(
	subscribers *CallbackList[EntityWatchFunction],
	entry callbackListEntry[EntityWatchFunction],
	entity *Entity,
	source UpdateSource,
) {
	if !subscribers.Contains(entry.callbackId) {
		// unsubscribed while this notification was in flight
		return
	}
	callback := entry.callback
	start := time.Now()
	HandleError(func() {
		callback(entity.Clone(), source)
	})
	if elapsed := time.Since(start); self.settings.WarnSlowNotifyDuration < elapsed {
		glog.Warningf("[store]slow subscriber for %s (%s = %s)\n",
			entity.Id, CallbackName(callback), elapsed)
	}
}

func (self *VersionedEntityStore) emitMutation(applied *Entity, prior *Entity, source UpdateSource) {
	self.bus.Emit(&Event{
		Type:     EventTypeEntityMutated,
		EntityId: applied.Id,
		Entity:   applied.Clone(),
		Source:   source,
	})

	structureChanged := prior == nil ||
		prior.ParentId != applied.ParentId ||
		prior.BeforeSiblingId != applied.BeforeSiblingId ||
		prior.ContainerNodeId != applied.ContainerNodeId
	if structureChanged {
		affectedParents := []string{}
		if prior != nil && prior.ParentId != "" {
			affectedParents = append(affectedParents, prior.ParentId)
		}
		if applied.ParentId != "" && (prior == nil || prior.ParentId != applied.ParentId) {
			affectedParents = append(affectedParents, applied.ParentId)
		}
		self.bus.Emit(&Event{
			Type:      EventTypeHierarchyChanged,
			EntityId:  applied.Id,
			EntityIds: affectedParents,
			Source:    source,
		})
	}
}

func (self *VersionedEntityStore) recordUpdateLatency(start time.Time) {
	millis := float64(time.Since(start)) / float64(time.Millisecond)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.totalUpdateMillis += millis
	if self.maxUpdateMillis < millis {
		self.maxUpdateMillis = millis
	}
}
