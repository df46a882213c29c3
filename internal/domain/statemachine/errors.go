package statemachine

import "errors"

// ErrDuplicateTransition is returned by New when a (from, event) pair is
// registered more than once.
var ErrDuplicateTransition = errors.New("statemachine: duplicate transition")
