// Package registry provides the key-addressed service store underneath the
// scope layer. It knows nothing about scopes or ownership: it stores
// instances, lazy singletons, per-resolve factories, and asynchronously built
// instances, addressed by Key. Who may delete an entry is the scope layer's
// concern.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/scopekit/internal/cachemanager"
	"github.com/zjrosen/scopekit/internal/log"
)

// Registry errors
var (
	ErrNotRegistered     = errors.New("not registered")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNilFactory        = errors.New("factory cannot be nil")
	ErrPermanent         = errors.New("registration is permanent")
)

// Factory builds an instance on demand.
type Factory func() (any, error)

// AsyncFactory builds an instance asynchronously. The context is the
// caller's; the build is never cancelled mid-flight by the registry itself.
type AsyncFactory func(ctx context.Context) (any, error)

// AsyncResult is the outcome of an asynchronous build. Exactly one result is
// sent on the channel returned by PutAsync, then the channel is closed.
type AsyncResult struct {
	Value any
	Err   error
}

// Registry is a key-addressed store of service registrations.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Put stores a ready instance under key. Returns ErrAlreadyRegistered
	// if the slot is taken. A permanent registration survives plain Delete
	// but not a force Delete.
	Put(key Key, value any, permanent bool) error

	// PutLazy stores a factory that is materialized on first Resolve and
	// cached. A resurrectable registration keeps the factory definition
	// through Delete (even force), so a later Resolve silently rebuilds
	// the instance.
	PutLazy(key Key, factory Factory, resurrectable bool) error

	// PutFactory stores a factory invoked on every Resolve; results are
	// never cached.
	PutFactory(key Key, factory Factory) error

	// PutAsync builds an instance in the background and registers it under
	// key on success. The returned channel receives the single outcome and
	// is then closed. If the slot was taken by the time the build settled,
	// the existing registration wins and is returned.
	PutAsync(ctx context.Context, key Key, factory AsyncFactory) <-chan AsyncResult

	// Resolve returns the instance for key, materializing a lazy
	// registration if needed. Fails with ErrNotRegistered if absent.
	Resolve(key Key) (any, error)

	// Exists reports whether key currently has a registration. A
	// resurrectable factory whose instance was deleted still counts.
	Exists(key Key) bool

	// Delete removes the registration for key. Deleting an absent key is a
	// no-op, not an error. Plain delete refuses permanent registrations;
	// force delete removes anything, though a resurrectable factory
	// definition survives (only its cached instance is dropped).
	Delete(key Key, force bool) error

	// Keys returns all registered keys, sorted by their string form.
	Keys() []Key

	// Count returns the number of registrations.
	Count() int
}

type kind int

const (
	kindInstance kind = iota
	kindLazy
	kindFactory
)

// entry is one registration slot. Materialized values live in the instance
// cache, keyed by Key.String(); the entry holds the definition.
type entry struct {
	key           Key
	kind          kind
	factory       Factory
	resurrectable bool
	permanent     bool
	createdAt     time.Time
}

type inMemoryRegistry struct {
	mu        sync.RWMutex
	entries   map[Key]*entry
	instances cachemanager.CacheManager[string, any]
}

// NewInMemoryRegistry creates an empty in-memory Registry.
func NewInMemoryRegistry() Registry {
	return &inMemoryRegistry{
		entries: make(map[Key]*entry),
		instances: cachemanager.NewInMemoryCacheManager[string, any](
			"registry", cachemanager.NeverExpire, cachemanager.DefaultCleanupInterval),
	}
}

func (r *inMemoryRegistry) Put(key Key, value any, permanent bool) error {
	if !key.IsValid() {
		return ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("put %s: %w", key, ErrAlreadyRegistered)
	}

	r.entries[key] = &entry{
		key:       key,
		kind:      kindInstance,
		permanent: permanent,
		createdAt: time.Now(),
	}
	r.instances.Set(context.Background(), key.String(), value, cachemanager.NeverExpire)
	log.Debug(log.CatRegistry, "instance registered", "key", key, "permanent", permanent)
	return nil
}

func (r *inMemoryRegistry) PutLazy(key Key, factory Factory, resurrectable bool) error {
	if !key.IsValid() {
		return ErrInvalidKey
	}
	if factory == nil {
		return ErrNilFactory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("lazy put %s: %w", key, ErrAlreadyRegistered)
	}

	r.entries[key] = &entry{
		key:           key,
		kind:          kindLazy,
		factory:       factory,
		resurrectable: resurrectable,
		createdAt:     time.Now(),
	}
	log.Debug(log.CatRegistry, "lazy factory registered", "key", key, "resurrectable", resurrectable)
	return nil
}

func (r *inMemoryRegistry) PutFactory(key Key, factory Factory) error {
	if !key.IsValid() {
		return ErrInvalidKey
	}
	if factory == nil {
		return ErrNilFactory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("factory put %s: %w", key, ErrAlreadyRegistered)
	}

	r.entries[key] = &entry{
		key:       key,
		kind:      kindFactory,
		factory:   factory,
		createdAt: time.Now(),
	}
	log.Debug(log.CatRegistry, "per-resolve factory registered", "key", key)
	return nil
}

func (r *inMemoryRegistry) PutAsync(ctx context.Context, key Key, factory AsyncFactory) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)

	if !key.IsValid() {
		out <- AsyncResult{Err: ErrInvalidKey}
		close(out)
		return out
	}
	if factory == nil {
		out <- AsyncResult{Err: ErrNilFactory}
		close(out)
		return out
	}

	go func() {
		defer close(out)

		value, err := factory(ctx)
		if err != nil {
			log.ErrorErr(log.CatRegistry, "async build failed", err, "key", key)
			out <- AsyncResult{Err: err}
			return
		}

		r.mu.Lock()
		if _, exists := r.entries[key]; exists {
			r.mu.Unlock()
			// Slot taken while we were building; the established
			// registration wins.
			existing, resolveErr := r.Resolve(key)
			if resolveErr != nil {
				out <- AsyncResult{Err: resolveErr}
				return
			}
			out <- AsyncResult{Value: existing}
			return
		}
		r.entries[key] = &entry{
			key:       key,
			kind:      kindInstance,
			createdAt: time.Now(),
		}
		r.instances.Set(context.Background(), key.String(), value, cachemanager.NeverExpire)
		r.mu.Unlock()

		log.Debug(log.CatRegistry, "async instance registered", "key", key)
		out <- AsyncResult{Value: value}
	}()

	return out
}

func (r *inMemoryRegistry) Resolve(key Key) (any, error) {
	r.mu.RLock()
	ent, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", key, ErrNotRegistered)
	}

	switch ent.kind {
	case kindInstance:
		value, found := r.instances.Get(context.Background(), key.String())
		if !found {
			// Instance entries always have a cached value; treat a miss
			// as absence rather than panicking.
			return nil, fmt.Errorf("resolve %s: %w", key, ErrNotRegistered)
		}
		return value, nil

	case kindFactory:
		value, err := ent.factory()
		if err != nil {
			return nil, fmt.Errorf("resolve %s: factory: %w", key, err)
		}
		return value, nil

	case kindLazy:
		return r.materialize(key, ent)

	default:
		return nil, fmt.Errorf("resolve %s: unknown registration kind %d", key, ent.kind)
	}
}

// materialize builds a lazy singleton on first resolve. Double-checked under
// the write lock so concurrent resolvers share one build.
func (r *inMemoryRegistry) materialize(key Key, ent *entry) (any, error) {
	ctx := context.Background()

	if value, found := r.instances.Get(ctx, key.String()); found {
		return value, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if value, found := r.instances.Get(ctx, key.String()); found {
		return value, nil
	}
	// The entry may have been deleted or replaced between the read and the
	// write lock; build from whatever is registered now.
	current, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", key, ErrNotRegistered)
	}
	ent = current

	value, err := ent.factory()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: lazy build: %w", key, err)
	}
	r.instances.Set(ctx, key.String(), value, cachemanager.NeverExpire)
	log.Debug(log.CatRegistry, "lazy instance materialized", "key", key)
	return value, nil
}

func (r *inMemoryRegistry) Exists(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

func (r *inMemoryRegistry) Delete(key Key, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.entries[key]
	if !ok {
		log.Debug(log.CatRegistry, "delete of absent key ignored", "key", key)
		return nil
	}

	if ent.permanent && !force {
		return fmt.Errorf("delete %s: %w", key, ErrPermanent)
	}

	_ = r.instances.Delete(context.Background(), key.String())

	// A resurrectable factory definition outlives even a force delete; only
	// the cached instance is dropped, so a later Resolve rebuilds it.
	if ent.kind == kindLazy && ent.resurrectable {
		log.Debug(log.CatRegistry, "resurrectable factory retained", "key", key, "force", force)
		return nil
	}

	delete(r.entries, key)
	log.Debug(log.CatRegistry, "registration deleted", "key", key, "force", force)
	return nil
}

func (r *inMemoryRegistry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

func (r *inMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
