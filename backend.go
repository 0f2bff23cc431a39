package coordinate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// the durable backend collaborator. the coordinator never calls this
// directly: callers wrap backend calls into opaque operation bodies and
// hand them to `Persist`.

var ErrEntityNotFound = errors.New("entity not found")

// a backend write rejected on a stale version. carries the authoritative
// entity so the caller can route it through `ResolveFromConflictData`.
type BackendConflictError struct {
	ActualVersion   int
	ExpectedVersion int
	CurrentEntity   *Entity
}

func (self *BackendConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected v%d, backend has v%d",
		self.ExpectedVersion, self.ActualVersion)
}

func (self *BackendConflictError) ConflictPayload() *ConflictPayload {
	return &ConflictPayload{
		ActualVersion:   self.ActualVersion,
		ExpectedVersion: self.ExpectedVersion,
		CurrentEntity:   self.CurrentEntity,
	}
}

type Backend interface {
	CreateEntity(ctx context.Context, entity *Entity) error
	// expectedVersion 0 skips the version check
	UpdateEntity(ctx context.Context, entityId string, changes *EntityChanges, expectedVersion int) (*Entity, error)
	DeleteEntity(ctx context.Context, entityId string) error
	MoveEntity(ctx context.Context, entityId string, parentId string, beforeSiblingId string) error
	GetEntity(ctx context.Context, entityId string) (*Entity, error)
	ListEntities(ctx context.Context) ([]*Entity, error)
	Close() error
}

// in-memory backend for tests and ephemeral sessions
type MemoryBackend struct {
	stateLock sync.Mutex
	entities  map[string]*Entity
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entities: map[string]*Entity{},
	}
}

func (self *MemoryBackend) CreateEntity(ctx context.Context, entity *Entity) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored := entity.Clone()
	if stored.Version <= 0 {
		stored.Version = 1
	}
	self.entities[entity.Id] = stored
	return nil
}

func (self *MemoryBackend) UpdateEntity(ctx context.Context, entityId string, changes *EntityChanges, expectedVersion int) (*Entity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current, ok := self.entities[entityId]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", entityId, ErrEntityNotFound)
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return nil, &BackendConflictError{
			ActualVersion:   current.Version,
			ExpectedVersion: expectedVersion,
			CurrentEntity:   current.Clone(),
		}
	}
	next := changes.ApplyTo(current)
	next.Version = current.Version + 1
	self.entities[entityId] = next
	return next.Clone(), nil
}

func (self *MemoryBackend) DeleteEntity(ctx context.Context, entityId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entities[entityId]; !ok {
		return fmt.Errorf("delete %s: %w", entityId, ErrEntityNotFound)
	}
	delete(self.entities, entityId)
	return nil
}

func (self *MemoryBackend) MoveEntity(ctx context.Context, entityId string, parentId string, beforeSiblingId string) error {
	_, err := self.UpdateEntity(ctx, entityId, &EntityChanges{
		ParentId:        StrPtr(parentId),
		BeforeSiblingId: StrPtr(beforeSiblingId),
	}, 0)
	return err
}

func (self *MemoryBackend) GetEntity(ctx context.Context, entityId string) (*Entity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entity, ok := self.entities[entityId]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", entityId, ErrEntityNotFound)
	}
	return entity.Clone(), nil
}

func (self *MemoryBackend) ListEntities(ctx context.Context) ([]*Entity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entities := make([]*Entity, 0, len(self.entities))
	for _, entity := range self.entities {
		entities = append(entities, entity.Clone())
	}
	return entities, nil
}

func (self *MemoryBackend) Close() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.entities)
	return nil
}
