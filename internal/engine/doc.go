// Package engine drives the bounded model/tool loop at the heart of machine.
//
// A run turns one task into a sequence of model calls and tool invocations,
// bounded by iteration count, wall-clock time, and per-tool retry budgets, and
// emits a typed event stream consumable incrementally or by full drain.
package engine
