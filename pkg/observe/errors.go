package observe

import "errors"

// Package-level sentinel errors for observe operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed registry.
	ErrClosed = errors.New("observe: registry closed")

	// ErrInvalidResource is returned for an empty resource path.
	ErrInvalidResource = errors.New("observe: invalid resource path")

	// ErrNoNotifier is returned by Publish before a Notifier is set.
	ErrNoNotifier = errors.New("observe: no notifier")

	// ErrNotObserveRequest is returned by Register for requests without a
	// valid Observe option.
	ErrNotObserveRequest = errors.New("observe: request has no registration option")
)
