package muxconn

import (
	"fmt"
)

// Task is a running asynchronous operation whose completion can be waited on
// by any number of goroutines.
type Task struct {
	done chan struct{}
	err  error
}

// Go runs fn in a new goroutine and returns a Task tracking it. A panic in fn is
// recovered and reported as the Task's error.
func Go(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("panic: %v", r)
			}
		}()
		t.err = fn()
	}()
	return t
}

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// IsDone reports whether the task has finished.
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// First blocks until a or b finishes and returns the one that did. If both are
// already done, a is returned.
func First(a, b *Task) *Task {
	if a.IsDone() {
		return a
	}
	select {
	case <-a.done:
		return a
	case <-b.done:
		return b
	}
}
