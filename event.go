package coordinate

import (
	"sync"
	"time"
)

// typed publish/subscribe channel between the store and derived read paths.
// handlers run synchronously inside `Emit`. a panicking handler is caught
// and logged; remaining handlers still run.

type EventType string

const (
	EventTypeEntityMutated    EventType = "entity_mutated"
	EventTypeEntityDeleted    EventType = "entity_deleted"
	EventTypeHierarchyChanged EventType = "hierarchy_changed"
)

type Event struct {
	Type EventType `json:"type"`
	// set for single-entity events
	EntityId string `json:"entityId,omitempty"`
	// set for batched hierarchy changes
	EntityIds []string     `json:"entityIds,omitempty"`
	Entity    *Entity      `json:"entity,omitempty"`
	Source    UpdateSource `json:"source,omitempty"`
	EventTime time.Time    `json:"eventTime"`
}

type EventHandlerFunction = func(event *Event)

type EventBus struct {
	stateLock sync.Mutex

	typeHandlers map[EventType]*CallbackList[EventHandlerFunction]
}

func NewEventBus() *EventBus {
	return &EventBus{
		typeHandlers: map[EventType]*CallbackList[EventHandlerFunction]{},
	}
}

func (self *EventBus) Subscribe(eventType EventType, handler EventHandlerFunction) func() {
	handlers := self.handlersForType(eventType)
	callbackId := handlers.Add(handler)
	return func() {
		handlers.Remove(callbackId)
	}
}

func (self *EventBus) Emit(event *Event) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now()
	}
	handlers := self.handlersForType(event.Type)
	for _, entry := range handlers.Get() {
		if !handlers.Contains(entry.callbackId) {
			// unsubscribed during this emit
			continue
		}
		callback := entry.callback
		HandleError(func() {
			callback(event)
		})
	}
}

func (self *EventBus) handlersForType(eventType EventType) *CallbackList[EventHandlerFunction] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handlers, ok := self.typeHandlers[eventType]
	if !ok {
		handlers = NewCallbackList[EventHandlerFunction]()
		self.typeHandlers[eventType] = handlers
	}
	return handlers
}
