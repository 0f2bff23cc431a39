package coordinate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// the coordination core behind a multi-pane hierarchical document editor.
// keeps an in-memory tree of content entities consistent across multiple
// concurrent writers (views, background sync, external agents), schedules
// dependency-ordered writes to a durable backend, auto-resolves concurrent
// edits where safe, and serves cached hierarchy queries.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	parsed, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(parsed), nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Id) UnmarshalJSON(b []byte) error {
	var idStr string
	if err := json.Unmarshal(b, &idStr); err != nil {
		return err
	}
	id, err := ParseId(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// provenance tag attached to every mutation.
// used for loop suppression and audit, never for access control.
type UpdateSource string

const (
	UpdateSourceLocal    UpdateSource = "local"
	UpdateSourceDatabase UpdateSource = "database"
	UpdateSourceAgent    UpdateSource = "agent"
)

// per-view provenance, e.g. "view:pane-2"
func UpdateSourceView(viewTag string) UpdateSource {
	return UpdateSource("view:" + viewTag)
}

func (self UpdateSource) IsView() bool {
	return strings.HasPrefix(string(self), "view:")
}

// a hierarchical content unit managed by the store.
// ParentId, BeforeSiblingId, and ContainerNodeId are the structural fields.
// an empty structural field means unset (roots have no parent).
// Version is monotonic and starts at 1.
type Entity struct {
	Id              string         `json:"id"`
	Type            string         `json:"type"`
	Content         string         `json:"content"`
	Properties      map[string]any `json:"properties,omitempty"`
	ParentId        string         `json:"parentId,omitempty"`
	BeforeSiblingId string         `json:"beforeSiblingId,omitempty"`
	ContainerNodeId string         `json:"containerNodeId,omitempty"`
	Version         int            `json:"version"`
	CreatedAt       int64          `json:"createdAt"`
	ModifiedAt      int64          `json:"modifiedAt"`
}

func (self *Entity) Clone() *Entity {
	if self == nil {
		return nil
	}
	clone := *self
	clone.Properties = clonePropertyMap(self.Properties)
	return &clone
}

func (self *Entity) IsRoot() bool {
	return self.ParentId == ""
}

func (self *Entity) String() string {
	return fmt.Sprintf("%s[%s]v%d", self.Id, self.Type, self.Version)
}

// a partial mutation of an entity. nil pointer fields are untouched.
// a non-nil Properties map is deep-merged into the entity's properties.
type EntityChanges struct {
	Type            *string        `json:"type,omitempty"`
	Content         *string        `json:"content,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
	ParentId        *string        `json:"parentId,omitempty"`
	BeforeSiblingId *string        `json:"beforeSiblingId,omitempty"`
	ContainerNodeId *string        `json:"containerNodeId,omitempty"`
}

func (self *EntityChanges) TouchesContent() bool {
	return self != nil && self.Content != nil
}

func (self *EntityChanges) TouchesProperties() bool {
	return self != nil && self.Properties != nil
}

func (self *EntityChanges) TouchesStructure() bool {
	return self != nil && (self.ParentId != nil || self.BeforeSiblingId != nil || self.ContainerNodeId != nil)
}

func (self *EntityChanges) IsEmpty() bool {
	return self == nil || (self.Type == nil &&
		!self.TouchesContent() &&
		!self.TouchesProperties() &&
		!self.TouchesStructure())
}

// applies the changes on top of a copy of `entity` without touching the version
func (self *EntityChanges) ApplyTo(entity *Entity) *Entity {
	next := entity.Clone()
	if self == nil {
		return next
	}
	if self.Type != nil {
		next.Type = *self.Type
	}
	if self.Content != nil {
		next.Content = *self.Content
	}
	if self.Properties != nil {
		next.Properties = mergeProperties(next.Properties, self.Properties)
	}
	if self.ParentId != nil {
		next.ParentId = *self.ParentId
	}
	if self.BeforeSiblingId != nil {
		next.BeforeSiblingId = *self.BeforeSiblingId
	}
	if self.ContainerNodeId != nil {
		next.ContainerNodeId = *self.ContainerNodeId
	}
	return next
}

func StrPtr(value string) *string {
	return &value
}

// deep merge with proposer leaf values winning on collision.
// only plain maps recurse. arrays, nil, and every other value type
// replace wholesale.
func mergeProperties(base map[string]any, overlay map[string]any) map[string]any {
	merged := clonePropertyMap(base)
	if merged == nil {
		merged = map[string]any{}
	}
	for key, overlayValue := range overlay {
		baseValue, ok := merged[key]
		if ok {
			baseMap, baseIsMap := baseValue.(map[string]any)
			overlayMap, overlayIsMap := overlayValue.(map[string]any)
			if baseIsMap && overlayIsMap {
				merged[key] = mergeProperties(baseMap, overlayMap)
				continue
			}
		}
		merged[key] = clonePropertyValue(overlayValue)
	}
	return merged
}

func clonePropertyMap(properties map[string]any) map[string]any {
	if properties == nil {
		return nil
	}
	clone := make(map[string]any, len(properties))
	for key, value := range properties {
		clone[key] = clonePropertyValue(value)
	}
	return clone
}

func clonePropertyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return clonePropertyMap(v)
	case []any:
		clone := make([]any, len(v))
		for i, element := range v {
			clone[i] = clonePropertyValue(element)
		}
		return clone
	default:
		return v
	}
}

func DefaultCoordinationSettings() *CoordinationSettings {
	return &CoordinationSettings{
		StoreSettings:     DefaultEntityStoreSettings(),
		PersistSettings:   DefaultPersistenceSettings(),
		HierarchySettings: DefaultHierarchyCacheSettings(),
	}
}

type CoordinationSettings struct {
	StoreSettings     *EntityStoreSettings
	PersistSettings   *PersistenceSettings
	HierarchySettings *HierarchyCacheSettings
}

// the explicitly constructed, test-resettable front door to the core.
// bundles the store, the persistence coordinator, the hierarchy cache,
// and the event bus that connects them. pass by reference to dependents
// instead of relying on ambient global state.
type CoordinationContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *CoordinationSettings

	bus         *EventBus
	store       *VersionedEntityStore
	coordinator *PersistenceCoordinator
	hierarchy   *HierarchyCache
}

func NewCoordinationContextWithDefaults(ctx context.Context) *CoordinationContext {
	return NewCoordinationContext(ctx, DefaultCoordinationSettings())
}

func NewCoordinationContext(ctx context.Context, settings *CoordinationSettings) *CoordinationContext {
	cancelCtx, cancel := context.WithCancel(ctx)

	bus := NewEventBus()
	store := NewVersionedEntityStore(bus, settings.StoreSettings)
	coordinator := NewPersistenceCoordinator(cancelCtx, bus, settings.PersistSettings)
	hierarchy := NewHierarchyCache(store, bus, settings.HierarchySettings)

	return &CoordinationContext{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		bus:         bus,
		store:       store,
		coordinator: coordinator,
		hierarchy:   hierarchy,
	}
}

func (self *CoordinationContext) Store() *VersionedEntityStore {
	return self.store
}

func (self *CoordinationContext) Coordinator() *PersistenceCoordinator {
	return self.coordinator
}

func (self *CoordinationContext) Hierarchy() *HierarchyCache {
	return self.hierarchy
}

func (self *CoordinationContext) Bus() *EventBus {
	return self.bus
}

// bulk hydration, e.g. initial load from the durable backend.
// loads without per-entity notifications, then emits one batched
// hierarchy change so derived caches rebuild at most once.
func (self *CoordinationContext) Load(entities []*Entity, source UpdateSource) {
	entityIds := make([]string, 0, len(entities))
	for _, entity := range entities {
		self.store.Set(entity, source, true)
		entityIds = append(entityIds, entity.Id)
	}
	self.bus.Emit(&Event{
		Type:      EventTypeHierarchyChanged,
		EntityIds: entityIds,
		Source:    source,
	})
}

// moves an entity under a new parent, after the given sibling.
// refuses a move that would place an entity under its own descendant,
// which keeps the sibling chain and the parent graph acyclic.
// emits a batched hierarchy change covering the moved subtree so
// descendant depths recompute on next query.
func (self *CoordinationContext) Move(entityId string, newParentId string, newBeforeSiblingId string, source UpdateSource) error {
	entity := self.store.Get(entityId)
	if entity == nil {
		return fmt.Errorf("move %s: %w", entityId, ErrEntityNotFound)
	}
	if newParentId == entityId {
		return fmt.Errorf("move %s: entity cannot be its own parent", entityId)
	}
	if newParentId != "" {
		for _, descendantId := range self.hierarchy.GetDescendants(entityId) {
			if descendantId == newParentId {
				return fmt.Errorf("move %s: %s is a descendant", entityId, newParentId)
			}
		}
	}

	affectedIds := []string{entityId}
	if entity.ParentId != "" {
		affectedIds = append(affectedIds, entity.ParentId)
	}
	if newParentId != "" && newParentId != entity.ParentId {
		affectedIds = append(affectedIds, newParentId)
	}
	affectedIds = append(affectedIds, self.hierarchy.GetDescendants(entityId)...)

	self.store.Update(entityId, &EntityChanges{
		ParentId:        StrPtr(newParentId),
		BeforeSiblingId: StrPtr(newBeforeSiblingId),
	}, source, nil)

	self.bus.Emit(&Event{
		Type:      EventTypeHierarchyChanged,
		EntityIds: affectedIds,
		Source:    source,
	})
	return nil
}

// returns the context to its initial empty state.
// pending persistence work is cancelled, caches and metrics cleared.
func (self *CoordinationContext) Reset() {
	self.coordinator.Reset()
	self.store.Reset()
	self.hierarchy.InvalidateAllCaches()
	self.hierarchy.ResetCacheStats()
}

func (self *CoordinationContext) Close() {
	self.cancel()
	self.coordinator.Close()
	self.hierarchy.Close()
}
