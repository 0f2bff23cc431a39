package coordinate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPersistImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	executed := false
	handle := coordinator.Persist("n1", func(ctx context.Context) error {
		executed = true
		return nil
	}, &PersistOptions{
		Mode: PersistModeImmediate,
	})

	assert.Equal(t, nil, handle.Await(context.Background()))
	assert.Equal(t, true, executed)
	assert.Equal(t, OperationStatusCompleted, handle.Status())
}

// 3 debounce calls inside the quiet window: the op executes exactly once
// (the last call), the first two handles reject with a cancellation error
func TestPersistDebounceCoalescing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	executions := []int{}
	var lock sync.Mutex
	body := func(i int) OperationFunction {
		return func(ctx context.Context) error {
			lock.Lock()
			defer lock.Unlock()
			executions = append(executions, i)
			return nil
		}
	}

	options := &PersistOptions{
		Mode:            PersistModeDebounce,
		DebounceTimeout: 50 * time.Millisecond,
	}
	handle1 := coordinator.Persist("n1", body(1), options)
	handle2 := coordinator.Persist("n1", body(2), options)
	handle3 := coordinator.Persist("n1", body(3), options)

	assert.Equal(t, true, errors.Is(handle1.Await(context.Background()), ErrOperationCancelled))
	assert.Equal(t, true, errors.Is(handle2.Await(context.Background()), ErrOperationCancelled))
	assert.Equal(t, nil, handle3.Await(context.Background()))

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []int{3}, executions)
}

func TestPersistDebounceZeroStillDefers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	executed := make(chan struct{})
	handle := coordinator.Persist("n1", func(ctx context.Context) error {
		close(executed)
		return nil
	}, &PersistOptions{
		Mode:            PersistModeDebounce,
		DebounceTimeout: 0,
	})

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("zero debounce never fired")
	}
	assert.Equal(t, nil, handle.Await(context.Background()))
}

// the dependent's body never starts before the dependency settles
func TestPersistDependencyOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	order := []string{}
	var lock sync.Mutex
	record := func(tag string) {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, tag)
	}

	parentHandle := coordinator.Persist("parent", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		record("parent")
		return nil
	}, &PersistOptions{
		Mode: PersistModeImmediate,
	})
	childHandle := coordinator.Persist("child", func(ctx context.Context) error {
		record("child")
		return nil
	}, &PersistOptions{
		Mode:         PersistModeImmediate,
		Dependencies: []*Dependency{DependsOnEntity("parent")},
	})

	assert.Equal(t, nil, parentHandle.Await(context.Background()))
	assert.Equal(t, nil, childHandle.Await(context.Background()))

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []string{"parent", "child"}, order)
}

func TestPersistDependencyVariants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	order := []string{}
	var lock sync.Mutex
	record := func(tag string) OperationFunction {
		return func(ctx context.Context) error {
			lock.Lock()
			defer lock.Unlock()
			order = append(order, tag)
			return nil
		}
	}

	a := coordinator.Persist("a", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return record("a")(ctx)
	}, nil)
	b := coordinator.Persist("b", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return record("b")(ctx)
	}, nil)

	thunkRan := false
	last := coordinator.Persist("last", record("last"), &PersistOptions{
		Mode: PersistModeImmediate,
		Dependencies: []*Dependency{
			DependsOnEntities("a", "b"),
			DependsOnHandle(a),
			DependsOnFunc(func(ctx context.Context) error {
				thunkRan = true
				return nil
			}),
			// an id with no tracked operation never blocks
			DependsOnEntity("untracked"),
		},
	})

	assert.Equal(t, nil, a.Await(context.Background()))
	assert.Equal(t, nil, b.Await(context.Background()))
	assert.Equal(t, nil, last.Await(context.Background()))
	assert.Equal(t, true, thunkRan)

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, "last", order[len(order)-1])
}

func TestPersistFailureIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	failing := coordinator.Persist("bad", func(ctx context.Context) error {
		return fmt.Errorf("backend rejected")
	}, nil)
	succeeding := coordinator.Persist("good", func(ctx context.Context) error {
		return nil
	}, nil)

	assert.NotEqual(t, nil, failing.Await(context.Background()))
	assert.Equal(t, OperationStatusFailed, failing.Status())
	assert.Equal(t, nil, succeeding.Await(context.Background()))

	metrics := coordinator.GetMetrics()
	assert.Equal(t, 2, metrics.TotalOperations)
	assert.Equal(t, 1, metrics.CompletedOperations)
	assert.Equal(t, 1, metrics.FailedOperations)
}

func TestPersistPanicBecomesFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	handle := coordinator.Persist("n1", func(ctx context.Context) error {
		panic("operation body panic")
	}, nil)

	assert.NotEqual(t, nil, handle.Await(context.Background()))
	assert.Equal(t, OperationStatusFailed, handle.Status())
}

func TestCancelPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	executed := false
	handle := coordinator.Persist("n1", func(ctx context.Context) error {
		executed = true
		return nil
	}, &PersistOptions{
		Mode:            PersistModeDebounce,
		DebounceTimeout: time.Hour,
	})

	assert.Equal(t, true, coordinator.CancelPending("n1"))
	assert.Equal(t, true, errors.Is(handle.Await(context.Background()), ErrOperationCancelled))
	assert.Equal(t, false, executed)

	// no tracked operation anymore
	assert.Equal(t, false, coordinator.CancelPending("n1"))
}

func TestCancelIsNoopOnceInProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	handle := coordinator.Persist("n1", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, nil)

	<-started
	assert.Equal(t, false, coordinator.CancelPending("n1"))
	assert.Equal(t, false, handle.Cancel())
	close(release)
	assert.Equal(t, nil, handle.Await(context.Background()))
}

func TestGetOperationStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	assert.Equal(t, OperationStatus(""), coordinator.GetOperationStatus("untracked"))

	handle := coordinator.Persist("n1", func(ctx context.Context) error {
		return nil
	}, &PersistOptions{
		Mode:            PersistModeDebounce,
		DebounceTimeout: time.Hour,
	})
	assert.Equal(t, OperationStatusPending, coordinator.GetOperationStatus("n1"))

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	assert.Equal(t, nil, coordinator.Flush(flushCtx))
	assert.Equal(t, nil, handle.Await(context.Background()))
	assert.Equal(t, OperationStatusCompleted, coordinator.GetOperationStatus("n1"))
}

func TestWaitForPersistence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	fast := coordinator.Persist("fast", func(ctx context.Context) error {
		return nil
	}, nil)
	coordinator.Persist("slow", func(ctx context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	}, nil)

	fast.Await(context.Background())

	outstanding := coordinator.WaitForPersistence([]string{"fast", "slow", "untracked"}, 50*time.Millisecond)
	assert.Equal(t, map[string]bool{"slow": true}, outstanding)
}

func TestWaitForPersistenceAllSatisfied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	coordinator.Persist("n1", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}, nil)

	outstanding := coordinator.WaitForPersistence([]string{"n1"}, 2*time.Second)
	assert.Equal(t, 0, len(outstanding))
}

func TestPersistTestModeLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settings := DefaultPersistenceSettings()
	settings.TestMode = true
	coordinator := NewPersistenceCoordinator(ctx, nil, settings)

	executed := false
	handle := coordinator.Persist("n1", func(ctx context.Context) error {
		// the body always executes, even in test mode
		executed = true
		return nil
	}, nil)

	assert.Equal(t, nil, handle.Await(context.Background()))
	assert.Equal(t, true, executed)
	assert.Equal(t, []string{"n1"}, coordinator.TestLedger())
}

func TestPersistFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	executed := []string{}
	var lock sync.Mutex
	body := func(tag string) OperationFunction {
		return func(ctx context.Context) error {
			lock.Lock()
			defer lock.Unlock()
			executed = append(executed, tag)
			return nil
		}
	}

	coordinator.Persist("n1", body("n1"), &PersistOptions{
		Mode:            PersistModeDebounce,
		DebounceTimeout: time.Hour,
	})
	coordinator.Persist("n2", body("n2"), &PersistOptions{
		Mode:            PersistModeDebounce,
		DebounceTimeout: time.Hour,
	})

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	assert.Equal(t, nil, coordinator.Flush(flushCtx))

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, 2, len(executed))
}

func TestDeletedEntityCancelsDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewEventBus()
	store := NewVersionedEntityStoreWithDefaults(bus)
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, bus)

	store.Set(&Entity{Id: "a"}, UpdateSourceLocal, false)

	executed := false
	handle := coordinator.Persist("a", func(ctx context.Context) error {
		executed = true
		return nil
	}, &PersistOptions{
		Mode:            PersistModeDebounce,
		DebounceTimeout: time.Hour,
	})

	store.Delete("a", UpdateSourceLocal)

	assert.Equal(t, true, errors.Is(handle.Await(context.Background()), ErrOperationCancelled))
	assert.Equal(t, false, executed)
}

func TestPersistMetricsGauge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := NewPersistenceCoordinatorWithDefaults(ctx, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	coordinator.Persist("n1", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, nil)
	<-started

	metrics := coordinator.GetMetrics()
	assert.Equal(t, 1, metrics.PendingOperations)
	close(release)

	outstanding := coordinator.WaitForPersistence([]string{"n1"}, 2*time.Second)
	assert.Equal(t, 0, len(outstanding))
	metrics = coordinator.GetMetrics()
	assert.Equal(t, 0, metrics.PendingOperations)
	assert.Equal(t, 1, metrics.CompletedOperations)
	assert.Equal(t, true, 0 <= metrics.AverageExecutionMillis)
}
