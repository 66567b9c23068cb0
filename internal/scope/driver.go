package scope

import (
	"context"
	"fmt"

	"github.com/zjrosen/scopekit/internal/log"
	"github.com/zjrosen/scopekit/internal/pubsub"
	"github.com/zjrosen/scopekit/internal/registry"
)

// Driver owns the scope lifecycle machinery: it wires the registry,
// coordinator, recorder slot, and event broker together and runs scope
// bodies against them.
//
// The canonical shape of a scope run is:
//
//	rec := driver.BeginScope()
//	err := driver.RunBody(rec, func(b *scope.Binder) error { ... })
//	driver.EndScope(rec)
//
// or the equivalent one-call form, driver.Run. EndScope is fire-and-forget;
// callers that need a deterministic teardown point use rec.Wait.
type Driver struct {
	reg    registry.Registry
	coord  *Coordinator
	slot   *Slot
	events *pubsub.Broker[Event]
	binder *Binder
	cfg    Config
}

func NewDriver(reg registry.Registry, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	coord := NewCoordinator(reg)
	slot := NewSlot()
	events := pubsub.NewBroker[Event]()
	return &Driver{
		reg:    reg,
		coord:  coord,
		slot:   slot,
		events: events,
		binder: newBinder(reg, coord, slot, events, cfg),
		cfg:    cfg,
	}
}

// Binder returns the registration facade shared by every scope this driver
// runs.
func (d *Driver) Binder() *Binder {
	return d.binder
}

// Events exposes the lifecycle event broker.
func (d *Driver) Events() *pubsub.Broker[Event] {
	return d.events
}

// BeginScope creates a fresh recorder for a scope run. Nothing is activated
// yet; RunBody does that so the active window exactly brackets the body.
func (d *Driver) BeginScope() *Recorder {
	rec := NewRecorder(d.cfg.DisposeWait, d.events)
	log.Info(log.CatScope, "scope begun", "scope", rec.ID().String())
	return rec
}

// RunBody activates rec, runs body against the shared binder, and restores
// the previously active recorder on every exit path, including panics. A
// panicking body is converted to an error so one bad scope cannot take the
// host down, and the restore still happens so later scopes are unaffected.
func (d *Driver) RunBody(rec *Recorder, body func(b *Binder) error) (err error) {
	prev := d.slot.Activate(rec)
	defer d.slot.Restore(prev)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scope %s body panicked: %v", rec.ID(), p)
			log.ErrorErr(log.CatScope, "scope body panic recovered", err, "scope", rec.ID().String())
		}
	}()

	if bodyErr := body(d.binder); bodyErr != nil {
		log.ErrorErr(log.CatScope, "scope body returned error", bodyErr, "scope", rec.ID().String())
		return bodyErr
	}
	return nil
}

// EndScope launches rec's teardown in the background and returns
// immediately. Calling it again for the same recorder is harmless.
func (d *Driver) EndScope(rec *Recorder) {
	log.Info(log.CatScope, "scope ending", "scope", rec.ID().String())
	go rec.DisposeOwned(context.Background())
}

// Run executes body as a complete scope: begin, run, end. The returned
// recorder lets the caller await teardown. The body's error is returned
// after teardown has been launched, so an erroring body still has its owned
// keys cleaned up.
func (d *Driver) Run(body func(b *Binder) error) (*Recorder, error) {
	rec := d.BeginScope()
	err := d.RunBody(rec, body)
	d.EndScope(rec)
	return rec, err
}
