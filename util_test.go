package coordinate

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	assert.Equal(t, 0, callbacks.Count())

	aId := callbacks.Add(func() {})
	bId := callbacks.Add(func() {})
	assert.Equal(t, 2, callbacks.Count())
	assert.Equal(t, true, callbacks.Contains(aId))
	assert.Equal(t, true, callbacks.Contains(bId))

	callbacks.Remove(aId)
	assert.Equal(t, 1, callbacks.Count())
	assert.Equal(t, false, callbacks.Contains(aId))
	assert.Equal(t, true, callbacks.Contains(bId))

	// removing an absent id is a no-op
	callbacks.Remove(aId)
	assert.Equal(t, 1, callbacks.Count())

	callbacks.Clear()
	assert.Equal(t, 0, callbacks.Count())
	assert.Equal(t, false, callbacks.Contains(bId))
}

func TestCallbackListSnapshot(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	callbacks.Add(func() {})
	removeId := callbacks.Add(func() {})

	snapshot := callbacks.Get()
	assert.Equal(t, 2, len(snapshot))

	// a mutation after the snapshot does not disturb it
	callbacks.Remove(removeId)
	assert.Equal(t, 2, len(snapshot))
	assert.Equal(t, 1, callbacks.Count())
	// and the snapshot still answers membership through the list
	assert.Equal(t, false, callbacks.Contains(snapshot[1].callbackId))
}

func TestHandleErrorRecovers(t *testing.T) {
	var caught error
	HandleError(func() {
		panic("boom")
	}, func(err error) {
		caught = err
	})
	assert.NotEqual(t, nil, caught)

	ran := false
	HandleError(func() {
		ran = true
	})
	assert.Equal(t, true, ran)
}

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not an id")
	assert.NotEqual(t, nil, err)
}
