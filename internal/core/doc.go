// Package core defines the data model of the task execution engine:
// dense integer identities, the task input/type sum types, cells and
// their content, and the raw value handle that addresses them.
//
// Beyond these types the package holds the id factory, the function
// and trait-method registry, and the sentinel errors. The types carry
// no behavior beyond equality, string rendering and JSON encoding; the
// engine (internal/engine) and backend (internal/backend) packages
// give them meaning.
package core
