// Package txn runs a sequence of file operations as a pseudo-atomic unit.
//
// A Transaction locks every path its steps touch, in one canonical order,
// commits the steps in order and, on the first failure, rolls back the
// already committed steps in reverse order. Steps are expected to leave a
// single atomic rename (the pivot) as the only change readers can observe.
package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/lock"
)

// Class orders paths when locks are taken: every content path is locked
// before any index path.
type Class uint8

const (
	Content Class = iota
	Index
)

type Path struct {
	Name  string
	Class Class
	Write bool
}

// Step is one reversible operation. Commit must not be interrupted by
// context cancellation once started.
type Step interface {
	Paths() []Path
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Finalizer is implemented by steps with work that must only happen once the
// whole transaction has committed. Finalize runs while locks are still held;
// its failures are logged and never rolled back.
type Finalizer interface {
	Finalize(ctx context.Context)
}

type Transaction struct {
	id    string
	locks *lock.Registry

	mu         sync.Mutex
	steps      []Step
	finalizers []func(ctx context.Context)
	onCommit   []func()
	ran        bool
}

func New(locks *lock.Registry) *Transaction {
	return &Transaction{
		id:    uuid.New().String(),
		locks: locks,
	}
}

func (t *Transaction) ID() string {
	return t.id
}

// Append adds steps to run after the ones already added.
func (t *Transaction) Append(steps ...Step) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, steps...)
	return t
}

// Merge moves other's steps and hooks to the end of t. other must not be run
// afterwards.
func (t *Transaction) Merge(other *Transaction) *Transaction {
	other.mu.Lock()
	steps, finalizers, onCommit := other.steps, other.finalizers, other.onCommit
	other.ran = true
	other.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, steps...)
	t.finalizers = append(t.finalizers, finalizers...)
	t.onCommit = append(t.onCommit, onCommit...)
	return t
}

// OnFinalize registers fn to run after every step committed, before locks are
// released.
func (t *Transaction) OnFinalize(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalizers = append(t.finalizers, fn)
}

// OnCommit registers fn to run after a successful run, once locks are
// released.
func (t *Transaction) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// Run executes the transaction. It can be called once. A deadline on ctx
// bounds how long Run waits for locks; it is ignored once steps start.
func (t *Transaction) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.ran {
		t.mu.Unlock()
		return store.NewError(store.InvalidState, "run transaction", store.Identity{}, "", fmt.Errorf("transaction %s already run", t.id))
	}
	t.ran = true
	steps := append([]Step(nil), t.steps...)
	finalizers := append(([]func(context.Context))(nil), t.finalizers...)
	onCommit := append([]func(){}, t.onCommit...)
	t.mu.Unlock()

	ctx = lock.WithOwner(ctx)
	release, err := t.lockAll(ctx, steps)
	if err != nil {
		return err
	}

	// steps run to completion regardless of cancellation
	stepCtx := context.WithoutCancel(ctx)
	for i, s := range steps {
		if err := s.Commit(stepCtx); err != nil {
			t.rollback(stepCtx, steps[:i])
			release()
			return err
		}
	}

	for _, s := range steps {
		if f, ok := s.(Finalizer); ok {
			f.Finalize(stepCtx)
		}
	}
	for _, fn := range finalizers {
		fn(stepCtx)
	}
	release()

	log.Debug("[txn] committed", log.Txn(t.id))
	for _, fn := range onCommit {
		fn()
	}
	return nil
}

func (t *Transaction) rollback(ctx context.Context, committed []Step) {
	for i := len(committed) - 1; i >= 0; i-- {
		if err := committed[i].Rollback(ctx); err != nil {
			log.Error("[txn] rollback step failed", log.Txn(t.id), log.Err(err))
		}
	}
}

// lockAll takes every lock the steps need in canonical order and returns a
// function releasing them in reverse order.
func (t *Transaction) lockAll(ctx context.Context, steps []Step) (func(), error) {
	plan := Plan(steps)
	unlocks := make([]func(), 0, len(plan))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, p := range plan {
		var (
			unlock func()
			err    error
		)
		if p.Write {
			unlock, err = t.locks.Lock(ctx, p.Name)
		} else {
			unlock, err = t.locks.RLock(ctx, p.Name)
		}
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Plan returns the deduplicated lock plan of steps: content paths before
// index paths, then by name. A path written by any step is write-locked.
func Plan(steps []Step) []Path {
	byName := map[string]Path{}
	for _, s := range steps {
		for _, p := range s.Paths() {
			prev, ok := byName[p.Name]
			if ok {
				p.Write = p.Write || prev.Write
				if prev.Class > p.Class {
					p.Class = prev.Class
				}
			}
			byName[p.Name] = p
		}
	}

	plan := make([]Path, 0, len(byName))
	for _, p := range byName {
		plan = append(plan, p)
	}
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].Class != plan[j].Class {
			return plan[i].Class < plan[j].Class
		}
		return plan[i].Name < plan[j].Name
	})
	return plan
}
