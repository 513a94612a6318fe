package engine

import (
	"container/list"
	"context"
	"sync"
)

// admissionLine fixes the order in which requests contend for capacity.
// Joining is synchronous, so a caller knows its place is held before it
// lets the next request go. Only the head of the line waits on the
// semaphore.
type admissionLine struct {
	mu      sync.Mutex
	waiting list.List // of chan struct{}, closed when that entry reaches the head
}

func (a *admissionLine) join() *list.Element {
	a.mu.Lock()
	defer a.mu.Unlock()
	turn := make(chan struct{})
	if a.waiting.Len() == 0 {
		close(turn)
	}
	return a.waiting.PushBack(turn)
}

// wait blocks until el is at the head. On cancellation el leaves the line.
func (a *admissionLine) wait(ctx context.Context, el *list.Element) error {
	select {
	case <-el.Value.(chan struct{}):
		return nil
	case <-ctx.Done():
		a.leave(el)
		return context.Cause(ctx)
	}
}

// leave removes el and hands the head to the next entry if el had it.
func (a *admissionLine) leave(el *list.Element) {
	a.mu.Lock()
	defer a.mu.Unlock()
	head := a.waiting.Front() == el
	a.waiting.Remove(el)
	if !head {
		return
	}
	if next := a.waiting.Front(); next != nil {
		close(next.Value.(chan struct{}))
	}
}

func (a *admissionLine) waiters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waiting.Len()
}
