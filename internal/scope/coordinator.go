package scope

import (
	"sync"

	"github.com/zjrosen/scopekit/internal/log"
	"github.com/zjrosen/scopekit/internal/registry"
)

// Coordinator arbitrates concurrent installs of the same key. The first
// caller to begin an install for a key becomes its creator; later callers
// are borrowers and receive a channel that closes when the install settles.
// The creator/borrower decision is made atomically under the coordinator's
// lock, so two goroutines can never both believe they created a key.
type Coordinator struct {
	mu       sync.Mutex
	inflight map[registry.Key]chan struct{}
	reg      registry.Registry
}

func NewCoordinator(reg registry.Registry) *Coordinator {
	return &Coordinator{
		inflight: make(map[registry.Key]chan struct{}),
		reg:      reg,
	}
}

// BeginInstall performs the check-and-mark for key. It returns creator=true
// when the caller owns the install. For borrowers, wait is non-nil when an
// install is in flight and nil when the key is already registered.
func (c *Coordinator) BeginInstall(key registry.Key) (creator bool, wait <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.inflight[key]; ok {
		log.Debug(log.CatRace, "install already in flight, borrowing", "key", key.String())
		return false, ch
	}
	if c.reg.Exists(key) {
		return false, nil
	}

	ch := make(chan struct{})
	c.inflight[key] = ch
	log.Debug(log.CatRace, "install claimed", "key", key.String())
	return true, nil
}

// EndInstall clears the in-flight marker for key and releases every borrower
// waiting on it. Calling it for a key with no marker is a no-op, so creators
// can defer it unconditionally.
func (c *Coordinator) EndInstall(key registry.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.inflight[key]
	if !ok {
		return
	}
	delete(c.inflight, key)
	close(ch)
	log.Debug(log.CatRace, "install settled", "key", key.String())
}

// Watch returns the settle channel of key's in-flight install, or nil when
// nothing is running.
func (c *Coordinator) Watch(key registry.Key) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.inflight[key]; ok {
		return ch
	}
	return nil
}

// InFlight reports whether an install for key is currently running.
func (c *Coordinator) InFlight(key registry.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.inflight[key]
	return ok
}
