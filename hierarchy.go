package coordinate

import (
	"sync"

	"golang.org/x/exp/maps"
)

// read-through cache of ancestor/children/sibling relationships derived
// from the store, invalidated by hierarchy change events on the bus.
// depth lookups on an already-cached path are O(1); children lookups are
// near-linear in the number of direct children, independent of total tree
// size. answers comfortably on trees of 10,000+ nodes.

func DefaultHierarchyCacheSettings() *HierarchyCacheSettings {
	return &HierarchyCacheSettings{
		MaxWalkDepth: 1000,
	}
}

type HierarchyCacheSettings struct {
	// bound on ancestor walks. a walk that exceeds this indicates a broken
	// or cyclic parent chain and resolves to depth 0.
	MaxWalkDepth int
}

type NodePath struct {
	// ancestor-to-self
	EntityIds []string
	Depths    []int
	Depth     int
}

type CacheStats struct {
	DepthHits      int
	DepthMisses    int
	ChildrenHits   int
	ChildrenMisses int
	SiblingsHits   int
	SiblingsMisses int
	DepthSize      int
	ChildrenSize   int
	SiblingsSize   int
	HitRatio       float64
}

type HierarchyCache struct {
	store    *VersionedEntityStore
	settings *HierarchyCacheSettings

	stateLock sync.Mutex

	depths map[string]int
	// parent id (empty for roots) -> ordered child ids
	children map[string][]string
	// id -> ordered sibling ids, self included
	siblings map[string][]string

	// bumped on every invalidation. a value computed outside the lock is
	// only inserted when the generation it started from still holds, so a
	// concurrent invalidation is never overwritten by a stale computation.
	generation int

	depthHits      int
	depthMisses    int
	childrenHits   int
	childrenMisses int
	siblingsHits   int
	siblingsMisses int

	busUnsub func()
}

func NewHierarchyCacheWithDefaults(store *VersionedEntityStore, bus *EventBus) *HierarchyCache {
	return NewHierarchyCache(store, bus, DefaultHierarchyCacheSettings())
}

func NewHierarchyCache(store *VersionedEntityStore, bus *EventBus, settings *HierarchyCacheSettings) *HierarchyCache {
	cache := &HierarchyCache{
		store:    store,
		settings: settings,
		depths:   map[string]int{},
		children: map[string][]string{},
		siblings: map[string][]string{},
	}
	if bus != nil {
		cache.busUnsub = bus.Subscribe(EventTypeHierarchyChanged, cache.handleHierarchyChanged)
	}
	return cache
}

func (self *HierarchyCache) handleHierarchyChanged(event *Event) {
	if event.EntityId != "" {
		// single node: the node's own entries plus the affected parents'
		// children/sibling entries, since order or membership may have
		// shifted
		self.invalidateNode(event.EntityId, event.EntityIds)
	} else if 0 < len(event.EntityIds) {
		self.InvalidateNodes(event.EntityIds)
	}
}

func (self *HierarchyCache) invalidateNode(entityId string, parentIds []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.generation += 1
	delete(self.depths, entityId)
	delete(self.children, entityId)
	delete(self.siblings, entityId)
	// membership under the root key may also have changed
	delete(self.children, "")
	for _, parentId := range parentIds {
		delete(self.depths, parentId)
		delete(self.children, parentId)
		delete(self.siblings, parentId)
	}
}

// batch invalidation: clears entries for every listed id
func (self *HierarchyCache) InvalidateNodes(entityIds []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.generation += 1
	delete(self.children, "")
	for _, entityId := range entityIds {
		delete(self.depths, entityId)
		delete(self.children, entityId)
		delete(self.siblings, entityId)
	}
}

func (self *HierarchyCache) InvalidateAllCaches() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.generation += 1
	maps.Clear(self.depths)
	maps.Clear(self.children)
	maps.Clear(self.siblings)
}

// depth of a node: 0 for roots and unknown ids.
// walks the ancestor chain to the nearest cached ancestor or a root and
// caches every visited node's depth on the way back (path compression).
func (self *HierarchyCache) GetNodeDepth(entityId string) int {
	self.stateLock.Lock()
	if depth, ok := self.depths[entityId]; ok {
		self.depthHits += 1
		self.stateLock.Unlock()
		return depth
	}
	self.depthMisses += 1
	generation := self.generation
	self.stateLock.Unlock()

	// walk outside the lock. store reads are consistent snapshots.
	// chain is self-to-ancestor; deepestDepth is the depth of its last
	// element once the walk terminates.
	chain := []string{}
	visited := map[string]bool{}
	deepestDepth := 0
	currentId := entityId
	for {
		if visited[currentId] || self.settings.MaxWalkDepth <= len(chain) {
			// cyclic or degenerate parent chain
			return 0
		}
		visited[currentId] = true

		entity := self.store.Get(currentId)
		if entity == nil {
			if currentId == entityId {
				// unknown id
				return 0
			}
			// dangling parent reference: the last resolved node acts as a
			// root
			deepestDepth = 0
			break
		}
		chain = append(chain, currentId)
		if entity.ParentId == "" {
			deepestDepth = 0
			break
		}

		self.stateLock.Lock()
		parentDepth, ok := self.depths[entity.ParentId]
		self.stateLock.Unlock()
		if ok {
			deepestDepth = parentDepth + 1
			break
		}
		currentId = entity.ParentId
	}

	// path compression: cache every visited node's depth, unless an
	// invalidation raced the walk
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation == self.generation {
		for i := len(chain) - 1; 0 <= i; i -= 1 {
			self.depths[chain[i]] = deepestDepth + (len(chain) - 1 - i)
		}
	}
	return deepestDepth + len(chain) - 1
}

// ordered direct children of `parentId` (empty id selects roots),
// following the before-sibling chain
func (self *HierarchyCache) GetChildren(parentId string) []string {
	self.stateLock.Lock()
	if childIds, ok := self.children[parentId]; ok {
		self.childrenHits += 1
		self.stateLock.Unlock()
		return append([]string{}, childIds...)
	}
	self.childrenMisses += 1
	generation := self.generation
	self.stateLock.Unlock()

	childIds := orderSiblingChain(self.store.GetNodesForParent(parentId))

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation == self.generation {
		self.children[parentId] = childIds
	}
	return append([]string{}, childIds...)
}

// pre-order recursive expansion of children
func (self *HierarchyCache) GetDescendants(entityId string) []string {
	descendants := []string{}
	for _, childId := range self.GetChildren(entityId) {
		descendants = append(descendants, childId)
		descendants = append(descendants, self.GetDescendants(childId)...)
	}
	return descendants
}

// all children of the entity's parent, self included, in order
func (self *HierarchyCache) GetSiblings(entityId string) []string {
	self.stateLock.Lock()
	if siblingIds, ok := self.siblings[entityId]; ok {
		self.siblingsHits += 1
		self.stateLock.Unlock()
		return append([]string{}, siblingIds...)
	}
	self.siblingsMisses += 1
	generation := self.generation
	self.stateLock.Unlock()

	entity := self.store.Get(entityId)
	if entity == nil {
		return []string{}
	}
	siblingIds := self.GetChildren(entity.ParentId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation == self.generation {
		self.siblings[entityId] = siblingIds
	}
	return append([]string{}, siblingIds...)
}

// position of the entity within its sibling order, -1 if unknown
func (self *HierarchyCache) GetSiblingPosition(entityId string) int {
	for i, siblingId := range self.GetSiblings(entityId) {
		if siblingId == entityId {
			return i
		}
	}
	return -1
}

// empty at the chain end
func (self *HierarchyCache) GetNextSibling(entityId string) string {
	siblingIds := self.GetSiblings(entityId)
	for i, siblingId := range siblingIds {
		if siblingId == entityId && i+1 < len(siblingIds) {
			return siblingIds[i+1]
		}
	}
	return ""
}

// empty at the chain start
func (self *HierarchyCache) GetPreviousSibling(entityId string) string {
	siblingIds := self.GetSiblings(entityId)
	for i, siblingId := range siblingIds {
		if siblingId == entityId && 0 < i {
			return siblingIds[i-1]
		}
	}
	return ""
}

// the ordered ancestor-to-self path with matching depths
func (self *HierarchyCache) GetNodePath(entityId string) *NodePath {
	entity := self.store.Get(entityId)
	if entity == nil {
		return &NodePath{
			EntityIds: []string{},
			Depths:    []int{},
		}
	}

	// self-to-root, then reverse
	reversedIds := []string{}
	visited := map[string]bool{}
	currentId := entityId
	for currentId != "" && !visited[currentId] && len(reversedIds) < self.settings.MaxWalkDepth {
		visited[currentId] = true
		current := self.store.Get(currentId)
		if current == nil {
			break
		}
		reversedIds = append(reversedIds, currentId)
		currentId = current.ParentId
	}

	entityIds := make([]string, 0, len(reversedIds))
	depths := make([]int, 0, len(reversedIds))
	for i := len(reversedIds) - 1; 0 <= i; i -= 1 {
		entityIds = append(entityIds, reversedIds[i])
		depths = append(depths, self.GetNodeDepth(reversedIds[i]))
	}

	return &NodePath{
		EntityIds: entityIds,
		Depths:    depths,
		Depth:     self.GetNodeDepth(entityId),
	}
}

func (self *HierarchyCache) GetCacheStats() *CacheStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	hits := self.depthHits + self.childrenHits + self.siblingsHits
	misses := self.depthMisses + self.childrenMisses + self.siblingsMisses
	hitRatio := float64(0)
	if 0 < hits+misses {
		hitRatio = float64(hits) / float64(hits+misses)
	}
	return &CacheStats{
		DepthHits:      self.depthHits,
		DepthMisses:    self.depthMisses,
		ChildrenHits:   self.childrenHits,
		ChildrenMisses: self.childrenMisses,
		SiblingsHits:   self.siblingsHits,
		SiblingsMisses: self.siblingsMisses,
		DepthSize:      len(self.depths),
		ChildrenSize:   len(self.children),
		SiblingsSize:   len(self.siblings),
		HitRatio:       hitRatio,
	}
}

func (self *HierarchyCache) ResetCacheStats() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.depthHits = 0
	self.depthMisses = 0
	self.childrenHits = 0
	self.childrenMisses = 0
	self.siblingsHits = 0
	self.siblingsMisses = 0
}

func (self *HierarchyCache) Close() {
	if self.busUnsub != nil {
		self.busUnsub()
	}
}

// orders one parent's children by the before-sibling linked list.
// heads are children whose before reference is empty or points outside the
// set. nodes stranded by a broken or cyclic chain keep their input order
// at the tail.
func orderSiblingChain(nodes []*Entity) []string {
	member := map[string]*Entity{}
	for _, node := range nodes {
		member[node.Id] = node
	}
	// before id -> followers, in input order
	followers := map[string][]*Entity{}
	heads := []*Entity{}
	for _, node := range nodes {
		if node.BeforeSiblingId == "" || member[node.BeforeSiblingId] == nil {
			heads = append(heads, node)
		} else {
			followers[node.BeforeSiblingId] = append(followers[node.BeforeSiblingId], node)
		}
	}

	ordered := []string{}
	used := map[string]bool{}
	var walk func(node *Entity)
	walk = func(node *Entity) {
		if used[node.Id] {
			return
		}
		used[node.Id] = true
		ordered = append(ordered, node.Id)
		for _, follower := range followers[node.Id] {
			walk(follower)
		}
	}
	for _, head := range heads {
		walk(head)
	}
	for _, node := range nodes {
		if !used[node.Id] {
			// stranded by a cycle
			ordered = append(ordered, node.Id)
			used[node.Id] = true
		}
	}
	return ordered
}
