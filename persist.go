package coordinate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// schedules write-through operations against a durable backend.
// the coordinator never sees backend internals: callers supply opaque
// operation bodies, plus the dependencies, debounce, and cancellation
// semantics to run them under.

var ErrOperationCancelled = errors.New("operation cancelled")

type PersistMode string

const (
	PersistModeImmediate PersistMode = "immediate"
	PersistModeDebounce  PersistMode = "debounce"
)

// pending -> in_progress -> {completed | failed}
// only pending operations can be cancelled. an in-progress operation runs
// to completion and can only be awaited.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
)

type OperationFunction = func(ctx context.Context) error

func DefaultPersistenceSettings() *PersistenceSettings {
	return &PersistenceSettings{
		DefaultDebounceTimeout: 500 * time.Millisecond,
		WaitGracePeriod:        10 * time.Millisecond,
	}
}

type PersistenceSettings struct {
	// used when a debounce persist does not name a timeout
	DefaultDebounceTimeout time.Duration
	// extra settle window checked after `WaitForPersistence` hits its
	// deadline, to avoid a false timeout on an operation completing right
	// at the boundary
	WaitGracePeriod time.Duration
	// when set, completions are additionally recorded against an internal
	// ledger so scheduling tests can assert execution without a real
	// backend round trip. operation bodies always execute either way.
	TestMode bool
}

// one declared precondition of a persist call. exactly one variant is set.
type Dependency struct {
	// wait for this id's most recent tracked operation
	entityId string
	// wait for all of these ids
	entityIds []string
	// await an arbitrary async precondition
	thunk OperationFunction
	// wait for a previously issued handle
	handle *PersistHandle
}

func DependsOnEntity(entityId string) *Dependency {
	return &Dependency{
		entityId: entityId,
	}
}

func DependsOnEntities(entityIds ...string) *Dependency {
	return &Dependency{
		entityIds: entityIds,
	}
}

func DependsOnFunc(thunk OperationFunction) *Dependency {
	return &Dependency{
		thunk: thunk,
	}
}

func DependsOnHandle(handle *PersistHandle) *Dependency {
	return &Dependency{
		handle: handle,
	}
}

type PersistOptions struct {
	Mode PersistMode
	// debounce mode only. 0 still defers execution by one scheduling tick
	// so a subsequent call in the same synchronous burst can supersede it.
	DebounceTimeout time.Duration
	Dependencies    []*Dependency
}

// the caller's view of one scheduled operation
type PersistHandle struct {
	coordinator *PersistenceCoordinator
	operation   *pendingOperation
}

// closed when the operation settles (completed, failed, or cancelled)
func (self *PersistHandle) Done() <-chan struct{} {
	return self.operation.done
}

// the settle error. nil before settle and on success.
func (self *PersistHandle) Err() error {
	self.operation.coordinator.stateLock.Lock()
	defer self.operation.coordinator.stateLock.Unlock()

	return self.operation.err
}

func (self *PersistHandle) Status() OperationStatus {
	self.operation.coordinator.stateLock.Lock()
	defer self.operation.coordinator.stateLock.Unlock()

	return self.operation.status
}

func (self *PersistHandle) Await(ctx context.Context) error {
	select {
	case <-self.operation.done:
		return self.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancels while still pending. no-op once in progress.
func (self *PersistHandle) Cancel() bool {
	return self.coordinator.cancelOperation(self.operation)
}

type pendingOperation struct {
	coordinator *PersistenceCoordinator

	entityId     string
	instanceId   Id
	mode         PersistMode
	body         OperationFunction
	dependencies []*Dependency

	// guarded by coordinator.stateLock
	status OperationStatus
	err    error
	timer  *time.Timer

	done chan struct{}
}

type PersistenceMetrics struct {
	TotalOperations        int
	CompletedOperations    int
	FailedOperations       int
	PendingOperations      int
	AverageExecutionMillis float64
	MaxExecutionMillis     float64
}

type PersistenceCoordinator struct {
	ctx      context.Context
	bus      *EventBus
	settings *PersistenceSettings
	log      LogFunction

	stateLock sync.Mutex

	// most recent tracked operation per entity id
	operations map[string]*pendingOperation

	totalOperations      int
	completedOperations  int
	failedOperations     int
	totalExecutionMillis float64
	maxExecutionMillis   float64

	// test mode completion ledger, in settle order
	testLedger []string

	busUnsub func()
}

func NewPersistenceCoordinatorWithDefaults(ctx context.Context, bus *EventBus) *PersistenceCoordinator {
	return NewPersistenceCoordinator(ctx, bus, DefaultPersistenceSettings())
}

func NewPersistenceCoordinator(ctx context.Context, bus *EventBus, settings *PersistenceSettings) *PersistenceCoordinator {
	coordinator := &PersistenceCoordinator{
		ctx:        ctx,
		bus:        bus,
		settings:   settings,
		log:        LogFn(LogLevelDebug, "persist"),
		operations: map[string]*pendingOperation{},
	}
	if bus != nil {
		// a deleted entity takes its live debounce timer with it
		coordinator.busUnsub = bus.Subscribe(EventTypeEntityDeleted, func(event *Event) {
			coordinator.CancelPending(event.EntityId)
		})
	}
	return coordinator
}

// schedules `body` for `operationId` (usually an entity id).
// in debounce mode a fresh call cancels any not-yet-fired timer for the
// same id: only the last call within the quiet window executes, and the
// superseded handles reject with `ErrOperationCancelled`.
// in immediate mode dependencies are awaited in declared order, then the
// body runs right away.
func (self *PersistenceCoordinator) Persist(operationId string, body OperationFunction, options *PersistOptions) *PersistHandle {
	if options == nil {
		options = &PersistOptions{
			Mode: PersistModeImmediate,
		}
	}

	operation := &pendingOperation{
		coordinator:  self,
		entityId:     operationId,
		instanceId:   NewId(),
		mode:         options.Mode,
		body:         body,
		dependencies: options.Dependencies,
		status:       OperationStatusPending,
		done:         make(chan struct{}),
	}
	handle := &PersistHandle{
		coordinator: self,
		operation:   operation,
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if previous, ok := self.operations[operationId]; ok {
			if previous.status == OperationStatusPending && previous.mode == PersistModeDebounce {
				// supersede the unfired call
				self.settleLocked(previous, ErrOperationCancelled)
			}
		}
		self.operations[operationId] = operation
		self.totalOperations += 1

		if options.Mode == PersistModeDebounce {
			debounceTimeout := options.DebounceTimeout
			if debounceTimeout < 0 {
				debounceTimeout = self.settings.DefaultDebounceTimeout
			}
			// AfterFunc(0) still fires on the timer goroutine, one tick
			// later than the current synchronous burst
			operation.timer = time.AfterFunc(debounceTimeout, func() {
				self.execute(operation)
			})
		} else {
			go self.execute(operation)
		}
	}()

	glog.V(2).Infof("[persist]%s scheduled (%s)\n", operationId, options.Mode)
	return handle
}

// cancels the tracked operation for `operationId` while it is still
// pending. returns false once the operation is in progress or settled,
// or when nothing is tracked.
func (self *PersistenceCoordinator) CancelPending(operationId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	operation, ok := self.operations[operationId]
	if !ok {
		return false
	}
	return self.cancelOperationLocked(operation)
}

func (self *PersistenceCoordinator) cancelOperation(operation *pendingOperation) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.cancelOperationLocked(operation)
}

func (self *PersistenceCoordinator) cancelOperationLocked(operation *pendingOperation) bool {
	if operation.status != OperationStatusPending {
		return false
	}
	self.settleLocked(operation, ErrOperationCancelled)
	if self.operations[operation.entityId] == operation {
		delete(self.operations, operation.entityId)
	}
	return true
}

// waits for the given ids' tracked operations to complete, up to
// `timeout`. returns the set of ids still not completed at the deadline.
// ids with no tracked operation are already satisfied and never appear.
func (self *PersistenceCoordinator) WaitForPersistence(operationIds []string, timeout time.Duration) map[string]bool {
	waits := map[string]chan struct{}{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, operationId := range operationIds {
			if operation, ok := self.operations[operationId]; ok {
				if operation.status != OperationStatusCompleted {
					waits[operationId] = operation.done
				}
			}
		}
	}()

	if len(waits) == 0 {
		return map[string]bool{}
	}

	allDone := make(chan struct{})
	go HandleError(func() {
		defer close(allDone)
		for _, done := range waits {
			<-done
		}
	})

	select {
	case <-allDone:
	case <-time.After(timeout):
		// grace period: an operation completing right at the boundary is
		// not a timeout
		select {
		case <-allDone:
		case <-time.After(self.settings.WaitGracePeriod):
		}
	}

	outstanding := map[string]bool{}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for operationId := range waits {
		operation, ok := self.operations[operationId]
		if ok && operation.status != OperationStatusCompleted {
			outstanding[operationId] = true
		}
	}
	if 0 < len(outstanding) {
		glog.Infof("[persist]wait timeout with %d outstanding\n", len(outstanding))
	}
	return outstanding
}

// fires every live debounce timer now and waits for the flushed
// operations to settle
func (self *PersistenceCoordinator) Flush(ctx context.Context) error {
	flushed := []*pendingOperation{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, operation := range self.operations {
			if operation.status == OperationStatusPending && operation.timer != nil {
				if operation.timer.Stop() {
					flushed = append(flushed, operation)
				}
			}
		}
	}()

	for _, operation := range flushed {
		go self.execute(operation)
	}
	for _, operation := range flushed {
		select {
		case <-operation.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (self *PersistenceCoordinator) GetOperationStatus(operationId string) OperationStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	operation, ok := self.operations[operationId]
	if !ok {
		return ""
	}
	return operation.status
}

func (self *PersistenceCoordinator) GetMetrics() *PersistenceMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending := 0
	for _, operation := range self.operations {
		switch operation.status {
		case OperationStatusPending, OperationStatusInProgress:
			pending += 1
		}
	}
	executed := self.completedOperations + self.failedOperations
	averageExecutionMillis := float64(0)
	if 0 < executed {
		averageExecutionMillis = self.totalExecutionMillis / float64(executed)
	}
	return &PersistenceMetrics{
		TotalOperations:        self.totalOperations,
		CompletedOperations:    self.completedOperations,
		FailedOperations:       self.failedOperations,
		PendingOperations:      pending,
		AverageExecutionMillis: averageExecutionMillis,
		MaxExecutionMillis:     self.maxExecutionMillis,
	}
}

// test mode completion ledger, in settle order
func (self *PersistenceCoordinator) TestLedger() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return append([]string{}, self.testLedger...)
}

// cancels everything still pending and clears tracked state and metrics
func (self *PersistenceCoordinator) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, operation := range self.operations {
		if operation.status == OperationStatusPending {
			self.settleLocked(operation, ErrOperationCancelled)
		}
	}
	maps.Clear(self.operations)
	self.totalOperations = 0
	self.completedOperations = 0
	self.failedOperations = 0
	self.totalExecutionMillis = 0
	self.maxExecutionMillis = 0
	self.testLedger = nil
}

func (self *PersistenceCoordinator) Close() {
	if self.busUnsub != nil {
		self.busUnsub()
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, operation := range self.operations {
		if operation.status == OperationStatusPending {
			self.settleLocked(operation, ErrOperationCancelled)
		}
	}
}

func (self *PersistenceCoordinator) execute(operation *pendingOperation) {
	proceed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if operation.status == OperationStatusPending {
			operation.status = OperationStatusInProgress
			proceed = true
		}
	}()
	if !proceed {
		// superseded or cancelled before firing
		return
	}

	start := time.Now()
	opLog := SubLogFn(LogLevelDebug, self.log, operation.entityId)

	var executionErr error
	if 0 < len(operation.dependencies) {
		opLog("await %d dependencies", len(operation.dependencies))
	}
	for _, dependency := range operation.dependencies {
		if err := self.resolveDependency(operation, dependency); err != nil {
			executionErr = fmt.Errorf("dependency failed: %w", err)
			break
		}
	}

	if executionErr == nil {
		HandleError(func() {
			executionErr = operation.body(self.ctx)
		}, func(err error) {
			executionErr = err
		})
	}

	millis := float64(time.Since(start)) / float64(time.Millisecond)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.totalExecutionMillis += millis
	if self.maxExecutionMillis < millis {
		self.maxExecutionMillis = millis
	}
	self.settleLocked(operation, executionErr)
	if executionErr != nil {
		glog.Infof("[persist]%s failed = %s\n", operation.entityId, executionErr)
	} else {
		opLog("completed (%.2fms)", millis)
	}
}

// dependencies settle before the dependent's body starts. an id with no
// tracked operation is already satisfied. a settled-but-failed tracked
// operation satisfies the dependency; only thunk errors propagate.
func (self *PersistenceCoordinator) resolveDependency(operation *pendingOperation, dependency *Dependency) error {
	awaitDone := func(done <-chan struct{}) error {
		select {
		case <-done:
			return nil
		case <-self.ctx.Done():
			return self.ctx.Err()
		}
	}

	switch {
	case dependency.entityId != "":
		if done, ok := self.trackedDone(dependency.entityId, operation); ok {
			return awaitDone(done)
		}
		return nil
	case dependency.entityIds != nil:
		for _, entityId := range dependency.entityIds {
			if done, ok := self.trackedDone(entityId, operation); ok {
				if err := awaitDone(done); err != nil {
					return err
				}
			}
		}
		return nil
	case dependency.thunk != nil:
		return dependency.thunk(self.ctx)
	case dependency.handle != nil:
		return awaitDone(dependency.handle.operation.done)
	default:
		return nil
	}
}

func (self *PersistenceCoordinator) trackedDone(entityId string, exclude *pendingOperation) (<-chan struct{}, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	operation, ok := self.operations[entityId]
	if !ok || operation == exclude {
		return nil, false
	}
	return operation.done, true
}

// must be called with `stateLock`
func (self *PersistenceCoordinator) settleLocked(operation *pendingOperation, err error) {
	switch operation.status {
	case OperationStatusCompleted, OperationStatusFailed:
		return
	}
	if operation.timer != nil {
		operation.timer.Stop()
		operation.timer = nil
	}
	operation.err = err
	if err != nil {
		operation.status = OperationStatusFailed
		if !errors.Is(err, ErrOperationCancelled) {
			// cancellations are not operation failures
			self.failedOperations += 1
		}
	} else {
		operation.status = OperationStatusCompleted
		self.completedOperations += 1
		if self.settings.TestMode {
			self.testLedger = append(self.testLedger, operation.entityId)
		}
	}
	close(operation.done)
}
