// Package event carries task lifecycle events from the engine to
// in-process subscribers such as monitoring surfaces.
//
// The Bus is a bounded, non-blocking channel: the engine publishes fire
// and forget, and a slow or absent subscriber causes events to drop
// rather than stalling task execution. Dropped events are counted in
// Stats for observability.
package event
