package main

import (
	"errors"
	"fmt"
)

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateWriting
	stateWritten
	stateReadingHeader
	stateReadingBody
	stateRead
	stateClosing
	stateClosed
	stateCalculating
	stateCleanup
	stateTimeout
	stateError
	// stateStopped is terminal: the slot is never scheduled again.
	stateStopped
)

var stateNames = map[state]string{
	stateIdle:          "Idle",
	stateConnecting:    "Connecting",
	stateConnected:     "Connected",
	stateWriting:       "Writing",
	stateWritten:       "Written",
	stateReadingHeader: "ReadingHeader",
	stateReadingBody:   "ReadingBody",
	stateRead:          "Read",
	stateClosing:       "Closing",
	stateClosed:        "Closed",
	stateCalculating:   "Calculating",
	stateCleanup:       "Cleanup",
	stateTimeout:       "Timeout",
	stateError:         "Error",
	stateStopped:       "Stopped",
}

func (s state) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type event int

const (
	evDispatch event = iota
	evConnected
	evBackoff
	evTimeout
	evFailed
	evBudgetSpent
	evPartial
	evWritten
	evHalfClosed
	evMore
	evHeader
	evEOF
	evClosed
	evMeasured
	evFolded
	evRecorded
	evReset
)

var eventNames = map[event]string{
	evDispatch:    "dispatch",
	evConnected:   "connected",
	evBackoff:     "backoff",
	evTimeout:     "timeout",
	evFailed:      "failed",
	evBudgetSpent: "budget-spent",
	evPartial:     "partial",
	evWritten:     "written",
	evHalfClosed:  "half-closed",
	evMore:        "more",
	evHeader:      "header",
	evEOF:         "eof",
	evClosed:      "closed",
	evMeasured:    "measured",
	evFolded:      "folded",
	evRecorded:    "recorded",
	evReset:       "reset",
}

func (e event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var errInvalidTransition = errors.New("invalid state transition")

type transitionError struct {
	from state
	ev   event
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("%v: %v on %v", errInvalidTransition, e.ev, e.from)
}

func (e *transitionError) Is(target error) bool {
	return target == errInvalidTransition
}

type edge struct {
	from state
	ev   event
}

var transitions = map[edge]state{
	{stateIdle, evDispatch}:    stateConnecting,
	{stateIdle, evBudgetSpent}: stateStopped,

	{stateConnecting, evConnected}: stateConnected,
	{stateConnecting, evBackoff}:   stateIdle,
	{stateConnecting, evTimeout}:   stateTimeout,
	{stateConnecting, evFailed}:    stateError,

	{stateConnected, evPartial}: stateWriting,
	{stateConnected, evWritten}: stateWritten,
	{stateConnected, evFailed}:  stateError,
	{stateWriting, evPartial}:   stateWriting,
	{stateWriting, evWritten}:   stateWritten,
	{stateWriting, evFailed}:    stateError,

	{stateWritten, evHalfClosed}: stateReadingHeader,
	{stateWritten, evFailed}:     stateError,

	{stateReadingHeader, evMore}:   stateReadingHeader,
	{stateReadingHeader, evHeader}: stateReadingBody,
	{stateReadingHeader, evFailed}: stateError,

	{stateReadingBody, evMore}:   stateReadingBody,
	{stateReadingBody, evEOF}:    stateRead,
	{stateReadingBody, evFailed}: stateError,

	{stateRead, evClosed}:    stateClosed,
	{stateRead, evFailed}:    stateError,
	{stateClosing, evClosed}: stateClosed,
	{stateClosing, evFailed}: stateError,

	{stateClosed, evMeasured}:    stateCalculating,
	{stateCalculating, evFolded}: stateCleanup,
	{stateCalculating, evFailed}: stateError,
	{stateCleanup, evReset}:      stateIdle,

	{stateTimeout, evFailed}: stateError,
	{stateError, evRecorded}: stateCleanup,
}

// transition is the pure state table of a connection slot.
func transition(from state, ev event) (state, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, &transitionError{from, ev}
	}
	return to, nil
}
