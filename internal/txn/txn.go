// Package txn provides the transaction and lock boundaries storage layers
// hook their deferred writes into.
package txn

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

var (
	ErrClosed    = errors.New("ivaldi: transaction already closed")
	ErrLockHeld  = errors.New("ivaldi: lock held")
	ErrNotLocked = errors.New("ivaldi: lock not held")
)

// Transaction is the boundary derived caches flush against. Registering a
// callback under an existing category replaces the previous one.
type Transaction interface {
	AddFinalize(category string, fn func(tr Transaction) error)
	AddPostClose(category string, fn func(tr Transaction))
	AddAbort(category string, fn func(tr Transaction))
	Desc() string
}

// Tx is an in-process Transaction.
type Tx struct {
	desc      string
	finalize  map[string]func(Transaction) error
	postClose map[string]func(Transaction)
	abort     map[string]func(Transaction)
	done      bool
	log       zerolog.Logger
}

func New(desc string, log zerolog.Logger) *Tx {
	return &Tx{
		desc:      desc,
		finalize:  make(map[string]func(Transaction) error),
		postClose: make(map[string]func(Transaction)),
		abort:     make(map[string]func(Transaction)),
		log:       log,
	}
}

func (t *Tx) Desc() string { return t.desc }

func (t *Tx) AddFinalize(category string, fn func(Transaction) error) { t.finalize[category] = fn }

func (t *Tx) AddPostClose(category string, fn func(Transaction)) { t.postClose[category] = fn }

func (t *Tx) AddAbort(category string, fn func(Transaction)) { t.abort[category] = fn }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close runs finalizers then post-close callbacks, each in category order.
// A failing finalizer aborts the transaction.
func (t *Tx) Close() error {
	if t.done {
		return ErrClosed
	}
	for _, cat := range sortedKeys(t.finalize) {
		if err := t.finalize[cat](t); err != nil {
			t.log.Warn().Err(err).Str("category", cat).Msg("transaction finalizer failed")
			t.runAbort()
			return fmt.Errorf("failed to finalize %s: %w", cat, err)
		}
	}
	t.done = true
	for _, cat := range sortedKeys(t.postClose) {
		t.postClose[cat](t)
	}
	t.log.Debug().Str("desc", t.desc).Msg("transaction closed")
	return nil
}

// Abort runs abort callbacks. Aborting a closed transaction is a no-op.
func (t *Tx) Abort() {
	if t.done {
		return
	}
	t.runAbort()
	t.log.Debug().Str("desc", t.desc).Msg("transaction aborted")
}

func (t *Tx) runAbort() {
	t.done = true
	for _, cat := range sortedKeys(t.abort) {
		t.abort[cat](t)
	}
}

// Lock is a non-blocking in-process lock with post-release callbacks.
type Lock struct {
	name         string
	held         bool
	afterRelease []func(success bool)
}

func NewLock(name string) *Lock { return &Lock{name: name} }

func (l *Lock) Name() string { return l.name }

func (l *Lock) Held() bool { return l.held }

// TryAcquire takes the lock or fails immediately.
func (l *Lock) TryAcquire() error {
	if l.held {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.name)
	}
	l.held = true
	return nil
}

// AfterRelease registers fn to run when the lock is next released.
// If the lock is not held fn runs immediately with success true.
func (l *Lock) AfterRelease(fn func(success bool)) {
	if !l.held {
		fn(true)
		return
	}
	l.afterRelease = append(l.afterRelease, fn)
}

// Release drops the lock and runs the pending callbacks.
func (l *Lock) Release(success bool) error {
	if !l.held {
		return fmt.Errorf("%w: %s", ErrNotLocked, l.name)
	}
	l.held = false
	callbacks := l.afterRelease
	l.afterRelease = nil
	for _, fn := range callbacks {
		fn(success)
	}
	return nil
}
