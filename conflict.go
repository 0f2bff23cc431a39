package coordinate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// pure decision procedure for optimistic concurrency conflicts.
// given a proposed change set and the authoritative current entity, decides
// whether the two sides combine losslessly, whether the proposer's content
// simply wins, or whether a human has to choose.

type ResolutionStrategy string

const (
	ResolutionAutoMerged         ResolutionStrategy = "auto_merged"
	ResolutionLastWriteWins      ResolutionStrategy = "last_write_wins"
	ResolutionUserChoiceRequired ResolutionStrategy = "user_choice_required"
)

type ConflictResolutionResult struct {
	Strategy ResolutionStrategy
	// present unless user choice is required
	MergedEntity *Entity
	Explanation  string
	// populated when user choice is required
	ConflictingFields []string
}

// field categories. content-vs-content collisions resolve last-write-wins,
// all-three-vs-all-three collisions require a user choice, everything else
// merges.
type changeCategories struct {
	structural bool
	properties bool
	content    bool
}

func (self changeCategories) count() int {
	n := 0
	if self.structural {
		n += 1
	}
	if self.properties {
		n += 1
	}
	if self.content {
		n += 1
	}
	return n
}

func categoriesOfChanges(changes *EntityChanges) changeCategories {
	return changeCategories{
		structural: changes.TouchesStructure(),
		properties: changes.TouchesProperties(),
		content:    changes.TouchesContent(),
	}
}

// what the already-applied write touched, diffing current against the
// snapshot that preceded it. a missing snapshot is treated as having
// touched everything, which biases toward the conservative outcomes.
func categoriesOfAppliedWrite(current *Entity, prior *Entity) changeCategories {
	if prior == nil {
		return changeCategories{
			structural: true,
			properties: true,
			content:    true,
		}
	}
	return changeCategories{
		structural: prior.ParentId != current.ParentId ||
			prior.BeforeSiblingId != current.BeforeSiblingId ||
			prior.ContainerNodeId != current.ContainerNodeId,
		properties: !reflect.DeepEqual(prior.Properties, current.Properties),
		content:    prior.Content != current.Content,
	}
}

// decides whether `proposed` (written against `expectedVersion`) can be
// reconciled with `current` without user input. `prior` is the snapshot
// current replaced, used to classify the intervening write.
//
// a version gap greater than one means more than one intervening write,
// which is considered too risky to auto-reconcile regardless of field
// overlap.
func TryAutoMerge(proposed *EntityChanges, current *Entity, prior *Entity, expectedVersion int) *ConflictResolutionResult {
	versionGap := current.Version - expectedVersion
	if 1 < versionGap {
		return &ConflictResolutionResult{
			Strategy: ResolutionUserChoiceRequired,
			Explanation: fmt.Sprintf(
				"%d writes landed since version %d; manual resolution required",
				versionGap, expectedVersion),
			ConflictingFields: conflictingFields(proposed, current, prior),
		}
	}

	proposedCategories := categoriesOfChanges(proposed)
	appliedCategories := categoriesOfAppliedWrite(current, prior)

	bothAllThree := proposedCategories.count() == 3 && appliedCategories.count() == 3
	if bothAllThree {
		return &ConflictResolutionResult{
			Strategy: ResolutionUserChoiceRequired,
			Explanation: "both sides changed structure, properties, and content: " +
				strings.Join(conflictingFields(proposed, current, prior), ", "),
			ConflictingFields: conflictingFields(proposed, current, prior),
		}
	}

	merged := proposed.ApplyTo(current)
	merged.Version = current.Version + 1
	merged.ModifiedAt = time.Now().UnixMilli()

	if proposedCategories.content && appliedCategories.content {
		// mutual content edit: the proposer is the later caller and wins.
		// structural and property fields still merge as usual.
		return &ConflictResolutionResult{
			Strategy:     ResolutionLastWriteWins,
			MergedEntity: merged,
			Explanation:  "both sides changed content; kept the proposer's content",
		}
	}

	return &ConflictResolutionResult{
		Strategy:     ResolutionAutoMerged,
		MergedEntity: merged,
		Explanation:  "non-overlapping changes merged automatically",
	}
}

func conflictingFields(proposed *EntityChanges, current *Entity, prior *Entity) []string {
	applied := categoriesOfAppliedWrite(current, prior)
	fields := []string{}
	if proposed.TouchesContent() && applied.content {
		fields = append(fields, "content")
	}
	if proposed.TouchesStructure() && applied.structural {
		if proposed.ParentId != nil {
			fields = append(fields, "parentId")
		}
		if proposed.BeforeSiblingId != nil {
			fields = append(fields, "beforeSiblingId")
		}
		if proposed.ContainerNodeId != nil {
			fields = append(fields, "containerNodeId")
		}
	}
	if proposed.TouchesProperties() && applied.properties {
		propertyKeys := []string{}
		for key := range proposed.Properties {
			propertyKeys = append(propertyKeys, "properties."+key)
		}
		slices.Sort(propertyKeys)
		fields = append(fields, propertyKeys...)
	}
	return fields
}

type UserChoiceOption struct {
	Label   string
	Entity  *Entity
	Summary string
}

// the two options presented when auto-merge declines.
// "use yours" applies the proposed changes on top of the current entity and
// bumps the version. "use current" keeps the current entity untouched.
// neither side's edit is silently discarded.
func GetUserChoiceOptions(proposed *EntityChanges, current *Entity) (useYours *UserChoiceOption, useCurrent *UserChoiceOption) {
	yours := proposed.ApplyTo(current)
	yours.Version = current.Version + 1
	yours.ModifiedAt = time.Now().UnixMilli()

	changedKeys := differingPropertyKeys(yours.Properties, current.Properties)
	useYours = &UserChoiceOption{
		Label:   "use yours",
		Entity:  yours,
		Summary: choiceSummary(yours, changedKeys),
	}
	useCurrent = &UserChoiceOption{
		Label:   "use current",
		Entity:  current.Clone(),
		Summary: choiceSummary(current, changedKeys),
	}
	return
}

// keys whose values differ between the two sides, sorted
func differingPropertyKeys(a map[string]any, b map[string]any) []string {
	keys := map[string]bool{}
	for key := range a {
		keys[key] = true
	}
	for key := range b {
		keys[key] = true
	}
	differing := []string{}
	for key := range keys {
		if !reflect.DeepEqual(a[key], b[key]) {
			differing = append(differing, key)
		}
	}
	slices.Sort(differing)
	return differing
}

const choiceSummaryContentSnippetRunes = 80

// version, a content snippet cut on a rune boundary, and this side's
// values for only the properties that differ between the two options
func choiceSummary(entity *Entity, changedKeys []string) string {
	snippet := entity.Content
	if runes := []rune(snippet); choiceSummaryContentSnippetRunes < len(runes) {
		snippet = string(runes[:choiceSummaryContentSnippetRunes]) + "…"
	}
	diff := map[string]any{}
	for _, key := range changedKeys {
		if value, ok := entity.Properties[key]; ok {
			diff[key] = value
		} else {
			diff[key] = nil
		}
	}
	diffJson, _ := json.Marshal(diff)
	return fmt.Sprintf("Version %d: %q %s", entity.Version, snippet, string(diffJson))
}

// a backend-reported conflict: the authoritative entity with the actual
// version, against the version the writer expected.
type ConflictPayload struct {
	ActualVersion   int     `json:"actualVersion"`
	ExpectedVersion int     `json:"expectedVersion"`
	CurrentEntity   *Entity `json:"currentEntity"`
	// the snapshot before the backend's write, when the backend reports one
	PriorEntity *Entity `json:"priorEntity,omitempty"`
}

// unwraps a backend-reported conflict and delegates to `TryAutoMerge`
func ResolveFromConflictData(payload *ConflictPayload, proposed *EntityChanges) *ConflictResolutionResult {
	current := payload.CurrentEntity.Clone()
	if current.Version == 0 {
		current.Version = payload.ActualVersion
	}
	return TryAutoMerge(proposed, current, payload.PriorEntity, payload.ExpectedVersion)
}
