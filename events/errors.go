package events

import "errors"

var (
	// ErrQueueFull indicates an event was dropped because the queue stayed
	// full for the whole push retry budget.
	ErrQueueFull = errors.New("event queue full")

	// ErrQueueClosed indicates the queue no longer accepts events.
	ErrQueueClosed = errors.New("event queue closed")
)
