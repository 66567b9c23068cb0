package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/scopekit/internal/log"
	"github.com/zjrosen/scopekit/internal/pubsub"
	"github.com/zjrosen/scopekit/internal/registry"
)

// ErrAsyncBuildFailure wraps a factory error surfaced to the creator of a
// failed asynchronous install.
var ErrAsyncBuildFailure = errors.New("async build failed")

const (
	defaultDisposeWait    = 300 * time.Millisecond
	defaultResolveTimeout = 3 * time.Second
	defaultResolvePoll    = 25 * time.Millisecond
)

// Config carries the timing knobs for scope arbitration and teardown.
type Config struct {
	// DisposeWait bounds phase one of teardown: how long a closing scope
	// waits for in-flight installs before attaching late hooks.
	DisposeWait time.Duration
	// ResolveTimeout bounds how long a borrower will wait for a key to
	// become resolvable after its install settles.
	ResolveTimeout time.Duration
	// ResolvePoll is the interval between borrower resolution attempts.
	ResolvePoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		DisposeWait:    defaultDisposeWait,
		ResolveTimeout: defaultResolveTimeout,
		ResolvePoll:    defaultResolvePoll,
	}
}

func (c Config) withDefaults() Config {
	if c.DisposeWait <= 0 {
		c.DisposeWait = defaultDisposeWait
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
	if c.ResolvePoll <= 0 {
		c.ResolvePoll = defaultResolvePoll
	}
	return c
}

// Binder is the registration facade. Every mutation flows through it so the
// active scope's recorder sees ownership exactly when a slot transitions
// from absent to present, and so concurrent async installs of the same key
// are arbitrated by the coordinator before the registry is touched.
type Binder struct {
	reg    registry.Registry
	coord  *Coordinator
	slot   *Slot
	events *pubsub.Broker[Event]
	cfg    Config
}

func newBinder(reg registry.Registry, coord *Coordinator, slot *Slot, events *pubsub.Broker[Event], cfg Config) *Binder {
	return &Binder{
		reg:    reg,
		coord:  coord,
		slot:   slot,
		events: events,
		cfg:    cfg.withDefaults(),
	}
}

// Put registers a ready instance under key and returns the instance that
// ends up registered. If the slot is already occupied the existing instance
// is returned instead and no ownership changes hands.
func (b *Binder) Put(key registry.Key, value any, permanent bool) (any, error) {
	if existing, ok := b.borrowExisting(key); ok {
		return existing, nil
	}
	if err := b.awaitInFlight(key); err != nil {
		return nil, err
	}
	if existing, ok := b.borrowExisting(key); ok {
		return existing, nil
	}

	if err := b.reg.Put(key, value, permanent); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			// Lost a race between the existence check and the write.
			if existing, ok := b.borrowExisting(key); ok {
				return existing, nil
			}
		}
		return nil, err
	}

	b.recordOwnership(key)
	return value, nil
}

// LazyPut registers a factory materialized on first resolve. A resurrectable
// factory survives deletion of its built instance and rebuilds on the next
// resolve. Registering over an occupied slot is a no-op.
func (b *Binder) LazyPut(key registry.Key, factory registry.Factory, resurrectable bool) error {
	if b.reg.Exists(key) {
		b.publish(EventBorrowed, key, nil)
		return nil
	}
	if err := b.awaitInFlight(key); err != nil {
		return err
	}
	if b.reg.Exists(key) {
		b.publish(EventBorrowed, key, nil)
		return nil
	}
	if err := b.reg.PutLazy(key, factory, resurrectable); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			b.publish(EventBorrowed, key, nil)
			return nil
		}
		return err
	}
	b.recordOwnership(key)
	return nil
}

// Create registers a factory invoked on every resolve. Registering over an
// occupied slot is a no-op.
func (b *Binder) Create(key registry.Key, factory registry.Factory) error {
	if b.reg.Exists(key) {
		b.publish(EventBorrowed, key, nil)
		return nil
	}
	if err := b.awaitInFlight(key); err != nil {
		return err
	}
	if b.reg.Exists(key) {
		b.publish(EventBorrowed, key, nil)
		return nil
	}
	if err := b.reg.PutFactory(key, factory); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			b.publish(EventBorrowed, key, nil)
			return nil
		}
		return err
	}
	b.recordOwnership(key)
	return nil
}

// PutAsync builds an instance in the background and registers it under key.
// The first caller for a key becomes its creator: ownership is recorded for
// the active scope before the build starts, a build failure is returned to
// this caller wrapped in ErrAsyncBuildFailure, and the registration is left
// absent. Concurrent callers for the same key borrow: they block until the
// creator's install settles, then resolve whatever was registered.
func (b *Binder) PutAsync(ctx context.Context, key registry.Key, factory registry.AsyncFactory) (any, error) {
	creator, wait := b.coord.BeginInstall(key)
	if !creator {
		return b.borrowAsync(ctx, key, wait)
	}

	log.Info(log.CatRace, "async install starting", "key", key.String())
	b.publish(EventInstallStarted, key, nil)

	st := newSettle()
	rec := b.slot.Active()
	if rec != nil {
		rec.OwnInstance(key, b.uninstall(key))
		rec.TrackInFlight(key, st)
		b.publish(EventOwnershipRecorded, key, nil)
	}

	resCh := b.reg.PutAsync(ctx, key, factory)

	select {
	case res := <-resCh:
		b.settleInstall(rec, key, st, res.Err)
		if res.Err != nil {
			log.ErrorErr(log.CatRace, "async install failed", res.Err, "key", key.String())
			return nil, fmt.Errorf("%w: building %s: %w", ErrAsyncBuildFailure, key, res.Err)
		}
		log.Info(log.CatRace, "async install registered", "key", key.String())
		return res.Value, nil
	case <-ctx.Done():
		// The build keeps running detached. Settlement follows the real
		// outcome so the owning scope only ever deletes something the build
		// actually registered.
		go func() {
			res := <-resCh
			b.settleInstall(rec, key, st, res.Err)
		}()
		return nil, fmt.Errorf("async install of %s: %w", key, ctx.Err())
	}
}

// settleInstall resolves the bookkeeping for a finished async install: the
// settle handle, the owning recorder, the coordinator marker, and the event
// stream, in that order. Runs exactly once per install.
func (b *Binder) settleInstall(rec *Recorder, key registry.Key, st *settle, buildErr error) {
	if buildErr == nil {
		st.succeed()
	} else {
		st.fail()
	}
	if rec != nil {
		rec.SettleInFlight(key, buildErr == nil)
	}
	b.coord.EndInstall(key)
	b.publish(EventInstallSettled, key, buildErr)
}

// Find resolves the instance registered under key, materializing a lazy
// factory if needed.
func (b *Binder) Find(key registry.Key) (any, error) {
	return b.reg.Resolve(key)
}

// IsRegistered reports whether key currently has a registration.
func (b *Binder) IsRegistered(key registry.Key) bool {
	return b.reg.Exists(key)
}

// Events exposes the lifecycle event broker for observers.
func (b *Binder) Events() *pubsub.Broker[Event] {
	return b.events
}

// awaitInFlight blocks while an async install of key is running, bounded by
// the resolve timeout. A synchronous registration must not race the install:
// the creator recorded ownership at claim time, and letting a second caller
// fill the slot would leave two scopes holding uninstall records for one key.
func (b *Binder) awaitInFlight(key registry.Key) error {
	wait := b.coord.Watch(key)
	if wait == nil {
		return nil
	}
	log.Debug(log.CatRace, "install in flight, deferring synchronous registration", "key", key.String())
	select {
	case <-wait:
		return nil
	case <-time.After(b.cfg.ResolveTimeout):
		return fmt.Errorf("registering %s: pending install did not settle", key)
	}
}

// borrowExisting resolves key when it is already registered, emitting a
// borrowed event. The second return is false when the key is absent.
func (b *Binder) borrowExisting(key registry.Key) (any, bool) {
	existing, err := b.reg.Resolve(key)
	if err != nil {
		return nil, false
	}
	log.Debug(log.CatScope, "slot occupied, borrowing existing instance", "key", key.String())
	b.publish(EventBorrowed, key, nil)
	return existing, true
}

// borrowAsync waits for the creator's install to settle, then resolves the
// key, polling briefly to cover the window between the settle signal and
// registry visibility. A failed creator surfaces as ErrNotRegistered rather
// than stranding the borrower.
func (b *Binder) borrowAsync(ctx context.Context, key registry.Key, wait <-chan struct{}) (any, error) {
	b.publish(EventBorrowed, key, nil)

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("borrowing %s: %w", key, ctx.Err())
		case <-time.After(b.cfg.ResolveTimeout):
			return nil, fmt.Errorf("borrowing %s: install did not settle: %w", key, registry.ErrNotRegistered)
		}
	}

	deadline := time.Now().Add(b.cfg.ResolveTimeout)
	for {
		value, err := b.reg.Resolve(key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, registry.ErrNotRegistered) {
			return nil, err
		}
		// No registration and no install running means the creator failed;
		// there is nothing left to wait for.
		if !b.coord.InFlight(key) {
			return nil, fmt.Errorf("borrowing %s: creator did not register: %w", key, registry.ErrNotRegistered)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("borrowing %s: timed out: %w", key, registry.ErrNotRegistered)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("borrowing %s: %w", key, ctx.Err())
		case <-time.After(b.cfg.ResolvePoll):
		}
	}
}

// recordOwnership attributes key to the active scope, if any. Registrations
// made outside a scope belong to no one and are never torn down implicitly.
func (b *Binder) recordOwnership(key registry.Key) {
	rec := b.slot.Active()
	if rec == nil {
		return
	}
	rec.OwnInstance(key, b.uninstall(key))
	b.publish(EventOwnershipRecorded, key, nil)
}

// uninstall builds the teardown hook for key. Force delete is used so that
// permanent registrations owned by a scope still die with it; resurrectable
// factories survive by design of the registry.
func (b *Binder) uninstall(key registry.Key) UninstallFunc {
	return func(ctx context.Context) error {
		err := b.reg.Delete(key, true)
		if err != nil {
			return fmt.Errorf("uninstalling %s: %w", key, err)
		}
		return nil
	}
}

func (b *Binder) publish(kind EventKind, key registry.Key, err error) {
	if b.events == nil {
		return
	}
	b.events.Publish(pubsub.CreatedEvent, Event{Kind: kind, Key: key, Err: err})
}
