package scope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/scopekit/internal/log"
	"github.com/zjrosen/scopekit/internal/pubsub"
	"github.com/zjrosen/scopekit/internal/registry"
)

// UninstallFunc removes a key's registration. It must tolerate the key
// already being gone and may be invoked more than once.
type UninstallFunc func(ctx context.Context) error

// settle pairs an asynchronous install's completion signal with its outcome.
// ok is written before done closes and must be read only after done closes.
type settle struct {
	done chan struct{}
	ok   bool
}

func newSettle() *settle {
	return &settle{done: make(chan struct{})}
}

// succeed marks the install as registered and releases waiters.
func (s *settle) succeed() {
	s.ok = true
	close(s.done)
}

// fail marks the install as having registered nothing and releases waiters.
func (s *settle) fail() {
	close(s.done)
}

// Recorder tracks the keys a single scope owns, preserving first-seen
// creation order, along with any installs still in flight when the scope
// ends. DisposeOwned tears everything down: it waits briefly for in-flight
// installs, attaches late cleanup hooks to stragglers, then deletes owned
// keys in reverse creation order.
type Recorder struct {
	id          ScopeID
	createdAt   time.Time
	disposeWait time.Duration
	events      *pubsub.Broker[Event]

	mu       sync.Mutex
	order    []registry.Key
	records  map[registry.Key]UninstallFunc
	inflight map[registry.Key]*settle
	disposed bool

	done chan struct{}
}

func NewRecorder(disposeWait time.Duration, events *pubsub.Broker[Event]) *Recorder {
	return &Recorder{
		id:          NewScopeID(),
		createdAt:   time.Now(),
		disposeWait: disposeWait,
		events:      events,
		records:     make(map[registry.Key]UninstallFunc),
		inflight:    make(map[registry.Key]*settle),
		done:        make(chan struct{}),
	}
}

func (r *Recorder) ID() ScopeID {
	return r.id
}

// OwnInstance records that this scope owns key. Re-recording an owned key
// replaces its uninstall hook but keeps the original creation position.
func (r *Recorder) OwnInstance(key registry.Key, uninstall UninstallFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return
	}
	if _, ok := r.records[key]; !ok {
		r.order = append(r.order, key)
	}
	r.records[key] = uninstall
	log.Debug(log.CatScope, "ownership recorded", "scope", r.id.String(), "key", key.String())
}

// TrackInFlight registers the settle handle for an asynchronous install
// owned by this scope. The handle must be resolved with succeed or fail when
// the install completes.
func (r *Recorder) TrackInFlight(key registry.Key, st *settle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return
	}
	r.inflight[key] = st
}

// SettleInFlight drops the in-flight marker for key once its install has
// completed. A failed install registered nothing, so ownership of the key is
// released: the scope must never delete a registration it did not create.
func (r *Recorder) SettleInFlight(key registry.Key, registered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, key)
	if !registered {
		r.disown(key)
	}
}

// disown forgets key entirely. Caller holds r.mu.
func (r *Recorder) disown(key registry.Key) {
	if _, ok := r.records[key]; !ok {
		return
	}
	delete(r.records, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Owned returns the owned keys in creation order.
func (r *Recorder) Owned() []registry.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]registry.Key, len(r.order))
	copy(out, r.order)
	return out
}

// Pending returns the number of installs still in flight.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.inflight)
}

// Disposed reports whether teardown has begun.
func (r *Recorder) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.disposed
}

// DisposeOwned tears down the scope in three phases:
//
//  1. Wait up to the dispose ceiling for in-flight installs to settle.
//  2. For installs still pending after the ceiling, attach a late hook that
//     runs the uninstall as soon as the install finally settles, so a slow
//     build can never leak its registration.
//  3. Delete every owned key in reverse creation order, skipping keys whose
//     cleanup now belongs to a late hook and keys whose installs settled
//     without registering anything. A failing uninstall is logged and does
//     not stop the rest of the pass.
//
// The call is idempotent; only the first invocation does any work. Wait
// unblocks after phase 3, without waiting for late hooks.
func (r *Recorder) DisposeOwned(ctx context.Context) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	order := make([]registry.Key, len(r.order))
	copy(order, r.order)
	records := make(map[registry.Key]UninstallFunc, len(r.records))
	for k, v := range r.records {
		records[k] = v
	}
	inflight := make(map[registry.Key]*settle, len(r.inflight))
	for k, v := range r.inflight {
		inflight[k] = v
	}
	r.mu.Unlock()

	defer close(r.done)

	log.Info(log.CatTeardown, "scope teardown started",
		"scope", r.id.String(), "owned", len(order), "pending", len(inflight))
	r.publish(EventTeardownStarted, registry.Key{}, nil)

	stragglers, failed := r.waitForInstalls(inflight)

	for key, st := range stragglers {
		r.attachLateHook(key, st, records[key])
	}

	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		if _, deferred := stragglers[key]; deferred {
			// The late hook owns this key's cleanup now.
			continue
		}
		if _, empty := failed[key]; empty {
			// The install registered nothing; there is nothing of ours to
			// delete, and the key may have been claimed by someone else.
			continue
		}
		uninstall := records[key]
		if uninstall == nil {
			continue
		}
		if err := uninstall(ctx); err != nil {
			log.ErrorErr(log.CatTeardown, "uninstall failed", err,
				"scope", r.id.String(), "key", key.String())
		}
	}

	log.Info(log.CatTeardown, "scope teardown finished", "scope", r.id.String())
	r.publish(EventTeardownFinished, registry.Key{}, nil)
}

// waitForInstalls blocks until every settle handle resolves or the dispose
// ceiling elapses, whichever comes first. It returns the installs still
// pending and the keys whose installs settled without registering anything.
func (r *Recorder) waitForInstalls(inflight map[registry.Key]*settle) (stragglers, failed map[registry.Key]*settle) {
	if len(inflight) == 0 {
		return nil, nil
	}

	stragglers = make(map[registry.Key]*settle)
	failed = make(map[registry.Key]*settle)
	record := func(key registry.Key, st *settle) {
		// Only called after st.done is closed.
		if !st.ok {
			failed[key] = st
		}
	}
	deadline := time.After(r.disposeWait)
	expired := false
	for key, st := range inflight {
		if expired {
			select {
			case <-st.done:
				record(key, st)
			default:
				stragglers[key] = st
			}
			continue
		}
		select {
		case <-st.done:
			record(key, st)
		case <-deadline:
			expired = true
			select {
			case <-st.done:
				record(key, st)
			default:
				stragglers[key] = st
			}
		}
	}
	return stragglers, failed
}

// attachLateHook arranges for key's uninstall to run as soon as its install
// settles, covering builds that outlive the scope. An install that settles
// without registering leaves nothing behind, so the hook stands down rather
// than deleting whatever a later registrant may have put there.
func (r *Recorder) attachLateHook(key registry.Key, st *settle, uninstall UninstallFunc) {
	if uninstall == nil {
		return
	}
	log.Warn(log.CatTeardown, "install outlived scope, attaching late hook",
		"scope", r.id.String(), "key", key.String())
	go func() {
		<-st.done
		if !st.ok {
			log.Info(log.CatTeardown, "straggler settled empty-handed, nothing to clean",
				"scope", r.id.String(), "key", key.String())
			return
		}
		err := uninstall(context.Background())
		if err != nil {
			log.ErrorErr(log.CatTeardown, "late uninstall failed", err,
				"scope", r.id.String(), "key", key.String())
		} else {
			log.Info(log.CatTeardown, "late hook cleaned up straggler",
				"scope", r.id.String(), "key", key.String())
		}
		r.publish(EventLateHookFired, key, err)
	}()
}

// Wait blocks until teardown phases one through three have completed or the
// context is cancelled. It exists so callers that need a deterministic
// teardown point, tests mostly, can get one despite EndScope being
// fire-and-forget.
func (r *Recorder) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scope %s teardown: %w", r.id, ctx.Err())
	}
}

func (r *Recorder) publish(kind EventKind, key registry.Key, err error) {
	if r.events == nil {
		return
	}
	r.events.Publish(pubsub.CreatedEvent, Event{Kind: kind, Scope: r.id, Key: key, Err: err})
}
