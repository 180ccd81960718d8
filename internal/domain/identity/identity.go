// Package identity carries the opaque acting user supplied to every
// operation. The core records who acted; it never validates permissions.
package identity

// Actor is the opaque identity of the user performing an operation.
type Actor struct {
	ID   string
	Role string
}

// System is the actor used for operations triggered by internal collaborators
// such as the dose scheduler.
var System = Actor{ID: "system", Role: "system"}
