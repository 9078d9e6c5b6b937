// Package cells implements a concurrent, deterministic fixed-point
// engine over user-defined lattices.
//
// A Cell holds a value drawn from a lattice supplied by an Updater: a
// bottom element and a monotone, idempotent join. Cells advance only
// upward — PutNext and PutFinal join new information in, never
// overwrite — and may depend on one another through WhenNext/
// WhenComplete/When callbacks, which fire as the cells they watch
// advance. A HandlerPool owns a group of cells, runs their Init
// functions and callbacks as tasks on a bounded worker pool, and
// detects quiescence (the moment no task is in flight) to drive two
// forms of stuck-cell resolution: closed strongly connected components
// of mutually dependent cells are resolved together via Key.Resolve,
// and any cells still incomplete afterward get Key.Fallback.
//
// The engine never inspects V itself; everything it does is expressed
// in terms of the Updater, Key, and Outcome contracts a caller supplies.
package cells
