// Package graph implements the dependency graph and notification
// machinery: a (target -> []reader) edge map and the
// waker-style Event/Listener pair that couples a reader blocked on a
// not-yet-fresh value to the producer that eventually completes it.
package graph
