package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsResultsInOrder(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 2}, func(ctx context.Context, task *Task) *Result {
		n := task.Payload.(int)
		return &Result{Success: true, Data: n * n}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	var tasks []*Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, &Task{ID: fmt.Sprintf("t%d", i), Payload: i})
	}

	results, err := pool.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, r := range results {
		if r.TaskID != tasks[i].ID || r.Data.(int) != i*i {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if s := pool.Stats(); s.TasksCompleted != 20 {
		t.Errorf("completed = %d", s.TasksCompleted)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	pool, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true}
	}, nil)
	pool.Start()
	defer pool.Stop()

	results, err := pool.Run(context.Background(), []*Task{{ID: "retry"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Success || results[0].Attempts != 3 {
		t.Errorf("result = %+v", results[0])
	}
}

func TestExhaustedRetriesFail(t *testing.T) {
	pool, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		return &Result{Error: errors.New("permanent")}
	}, nil)
	pool.Start()
	defer pool.Stop()

	results, err := pool.Run(context.Background(), []*Task{{ID: "fail"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Success || results[0].Attempts != 2 {
		t.Errorf("result = %+v", results[0])
	}
	if s := pool.Stats(); s.TasksFailed != 1 || s.TasksRetried != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, _ := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result { return nil }, nil)
	pool.Start()
	pool.Stop()

	if err := pool.TrySubmit(&Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("TrySubmit after stop = %v", err)
	}
	if _, err := pool.Run(context.Background(), []*Task{{ID: "late"}}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Run after stop = %v", err)
	}
}

func TestNewRequiresFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error for nil worker func")
	}
}
