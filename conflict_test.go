package coordinate

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-playground/assert/v2"
)

// entity v1 {content:"X"}; true current is v2 {content:"Y"}; proposer sends
// {parentId:"P"} against expectedVersion 1. disjoint categories merge.
func TestAutoMergeDisjointCategories(t *testing.T) {
	prior := &Entity{Id: "a", Content: "X", Version: 1}
	current := &Entity{Id: "a", Content: "Y", Version: 2}
	proposed := &EntityChanges{
		ParentId: StrPtr("P"),
	}

	result := TryAutoMerge(proposed, current, prior, 1)
	assert.Equal(t, ResolutionAutoMerged, result.Strategy)
	assert.Equal(t, "Y", result.MergedEntity.Content)
	assert.Equal(t, "P", result.MergedEntity.ParentId)
	assert.Equal(t, 3, result.MergedEntity.Version)
}

func TestAutoMergeContentVsContentLastWriteWins(t *testing.T) {
	prior := &Entity{Id: "a", Content: "X", Version: 1}
	current := &Entity{Id: "a", Content: "Y", Version: 2}
	proposed := &EntityChanges{
		Content:  StrPtr("Z"),
		ParentId: StrPtr("P"),
	}

	result := TryAutoMerge(proposed, current, prior, 1)
	assert.Equal(t, ResolutionLastWriteWins, result.Strategy)
	// the proposer is the later caller
	assert.Equal(t, "Z", result.MergedEntity.Content)
	// non-conflicting fields still merge
	assert.Equal(t, "P", result.MergedEntity.ParentId)
}

// current v5 with intervening content edits; the proposer wrote against v1.
// a version gap over 1 forces manual resolution regardless of field
// disjointness.
func TestVersionGapForcesUserChoice(t *testing.T) {
	prior := &Entity{Id: "a", Content: "v4", Version: 4}
	current := &Entity{Id: "a", Content: "v5", Version: 5}
	proposed := &EntityChanges{
		Content:    StrPtr("mine"),
		ParentId:   StrPtr("P"),
		Properties: map[string]any{"k": "v"},
	}

	result := TryAutoMerge(proposed, current, prior, 1)
	assert.Equal(t, ResolutionUserChoiceRequired, result.Strategy)
	assert.Equal(t, true, result.MergedEntity == nil)
	assert.Equal(t, true, strings.Contains(result.Explanation, "4 writes"))

	// even a structural-only proposal cannot bridge the gap
	structuralOnly := TryAutoMerge(&EntityChanges{
		ParentId: StrPtr("P"),
	}, current, prior, 1)
	assert.Equal(t, ResolutionUserChoiceRequired, structuralOnly.Strategy)
}

func TestAllThreeCategoriesBothSidesRequiresUserChoice(t *testing.T) {
	prior := &Entity{
		Id:         "a",
		Content:    "X",
		Properties: map[string]any{"k": "old"},
		ParentId:   "p1",
		Version:    1,
	}
	current := &Entity{
		Id:         "a",
		Content:    "Y",
		Properties: map[string]any{"k": "new"},
		ParentId:   "p2",
		Version:    2,
	}
	proposed := &EntityChanges{
		Content:    StrPtr("Z"),
		Properties: map[string]any{"k": "mine"},
		ParentId:   StrPtr("p3"),
	}

	result := TryAutoMerge(proposed, current, prior, 1)
	assert.Equal(t, ResolutionUserChoiceRequired, result.Strategy)
	assert.Equal(t, true, 0 < len(result.ConflictingFields))
}

func TestPropertyDeepMerge(t *testing.T) {
	prior := &Entity{
		Id: "a",
		Properties: map[string]any{
			"style": map[string]any{
				"color": "red",
				"font":  "mono",
			},
			"tags": []any{"x", "y"},
		},
		Version: 1,
	}
	current := &Entity{
		Id:      "a",
		Content: "edited",
		Properties: map[string]any{
			"style": map[string]any{
				"color": "red",
				"font":  "mono",
			},
			"tags": []any{"x", "y"},
		},
		Version: 2,
	}
	proposed := &EntityChanges{
		Properties: map[string]any{
			"style": map[string]any{
				"color": "blue",
			},
			"tags": []any{"z"},
		},
	}

	result := TryAutoMerge(proposed, current, prior, 1)
	assert.Equal(t, ResolutionAutoMerged, result.Strategy)

	style := result.MergedEntity.Properties["style"].(map[string]any)
	// nested plain objects merge key by key, proposer winning
	assert.Equal(t, "blue", style["color"])
	assert.Equal(t, "mono", style["font"])
	// arrays replace wholesale, never element-wise
	assert.Equal(t, []any{"z"}, result.MergedEntity.Properties["tags"])
	// the intervening content edit is preserved
	assert.Equal(t, "edited", result.MergedEntity.Content)
}

func TestMissingPriorSnapshotIsConservative(t *testing.T) {
	current := &Entity{Id: "a", Content: "Y", Version: 2}

	// without a prior snapshot the intervening write is assumed to have
	// touched everything: a content proposal resolves last-write-wins
	result := TryAutoMerge(&EntityChanges{
		Content: StrPtr("Z"),
	}, current, nil, 1)
	assert.Equal(t, ResolutionLastWriteWins, result.Strategy)
	assert.Equal(t, "Z", result.MergedEntity.Content)

	// and an all-category proposal requires a user choice
	allCategories := TryAutoMerge(&EntityChanges{
		Content:    StrPtr("Z"),
		ParentId:   StrPtr("P"),
		Properties: map[string]any{"k": "v"},
	}, current, nil, 1)
	assert.Equal(t, ResolutionUserChoiceRequired, allCategories.Strategy)
}

func TestGetUserChoiceOptions(t *testing.T) {
	current := &Entity{
		Id:         "a",
		Content:    "current content",
		Properties: map[string]any{"k": "v"},
		Version:    5,
	}
	proposed := &EntityChanges{
		Content: StrPtr("my content"),
	}

	useYours, useCurrent := GetUserChoiceOptions(proposed, current)

	assert.Equal(t, "use yours", useYours.Label)
	assert.Equal(t, "my content", useYours.Entity.Content)
	assert.Equal(t, 6, useYours.Entity.Version)
	assert.Equal(t, true, strings.Contains(useYours.Summary, "Version 6"))

	// choosing "use current" leaves the entity identical to its
	// pre-conflict state
	assert.Equal(t, "use current", useCurrent.Label)
	assert.Equal(t, current, useCurrent.Entity)
	assert.Equal(t, true, strings.Contains(useCurrent.Summary, "Version 5"))
	assert.Equal(t, true, strings.Contains(useCurrent.Summary, "current content"))
}

func TestChoiceSummaryPropertyDiff(t *testing.T) {
	current := &Entity{
		Id:      "a",
		Content: "shared",
		Properties: map[string]any{
			"collapsed": false,
			"style":     "plain",
			"color":     "red",
		},
		Version: 3,
	}
	proposed := &EntityChanges{
		Properties: map[string]any{
			"collapsed": true,
			"added":     "new",
		},
	}

	useYours, useCurrent := GetUserChoiceOptions(proposed, current)

	// only the keys that differ between the two options appear
	assert.Equal(t, true, strings.Contains(useYours.Summary, `"collapsed":true`))
	assert.Equal(t, true, strings.Contains(useYours.Summary, `"added":"new"`))
	assert.Equal(t, false, strings.Contains(useYours.Summary, "style"))
	assert.Equal(t, false, strings.Contains(useYours.Summary, "color"))

	assert.Equal(t, true, strings.Contains(useCurrent.Summary, `"collapsed":false`))
	// absent on this side renders as null
	assert.Equal(t, true, strings.Contains(useCurrent.Summary, `"added":null`))
}

func TestChoiceSummarySnippetRuneBoundary(t *testing.T) {
	current := &Entity{
		Id:      "a",
		Content: strings.Repeat("日本語テキスト", 30),
		Version: 2,
	}
	proposed := &EntityChanges{
		Content: StrPtr(strings.Repeat("données", 40)),
	}

	useYours, useCurrent := GetUserChoiceOptions(proposed, current)

	assert.Equal(t, true, utf8.ValidString(useYours.Summary))
	assert.Equal(t, true, utf8.ValidString(useCurrent.Summary))
	assert.Equal(t, true, strings.Contains(useCurrent.Summary, "日本語"))
	assert.Equal(t, true, strings.Contains(useCurrent.Summary, "…"))
}

func TestResolveFromConflictData(t *testing.T) {
	payload := &ConflictPayload{
		ActualVersion:   2,
		ExpectedVersion: 1,
		CurrentEntity: &Entity{
			Id:      "a",
			Content: "backend content",
			Version: 2,
		},
		PriorEntity: &Entity{
			Id:      "a",
			Content: "old content",
			Version: 1,
		},
	}

	result := ResolveFromConflictData(payload, &EntityChanges{
		ParentId: StrPtr("P"),
	})
	assert.Equal(t, ResolutionAutoMerged, result.Strategy)
	assert.Equal(t, "backend content", result.MergedEntity.Content)
	assert.Equal(t, "P", result.MergedEntity.ParentId)
}

func TestResolveFromConflictDataVersionGap(t *testing.T) {
	payload := &ConflictPayload{
		ActualVersion:   7,
		ExpectedVersion: 2,
		CurrentEntity: &Entity{
			Id:      "a",
			Content: "backend content",
			Version: 7,
		},
	}

	result := ResolveFromConflictData(payload, &EntityChanges{
		ParentId: StrPtr("P"),
	})
	assert.Equal(t, ResolutionUserChoiceRequired, result.Strategy)
}
