// Package scope layers ownership-tracked lifecycles on top of the registry.
//
// A scope is a bounded unit of ownership: while its recorder is active, every
// registration made through the Binder is attributed to it, and ending the
// scope tears down exactly those registrations, in reverse creation order.
// Concurrent asynchronous registrations of the same key are arbitrated by the
// Coordinator with a first-registrant-wins rule: whoever begins the install
// first is the creator, everyone else borrows the result.
//
// The package is written for true OS threads: the shared structures (the
// coordinator's in-flight map and the active-recorder slot) are each guarded
// by a mutex whose critical sections never block, which gives the same
// atomic check-and-mark guarantee a cooperative scheduler would.
package scope
