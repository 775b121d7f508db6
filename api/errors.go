// Package api
// Author: momentics <momentics@gmail.com>
//
// Status taxonomy shared by the session layer, the transport shim and callers.

package api

import (
	"errors"
	"fmt"
)

// Status is the outcome of a session operation. Every non-nil error returned
// by the client package is a Status.
type Status int

const (
	StatusOK              Status = 0
	StatusNetwork         Status = -1
	StatusDead            Status = -2
	StatusWouldBlock      Status = -3
	StatusDataTrunc       Status = -4
	StatusTableFull       Status = -5
	StatusInvalidArgument Status = -6

	// StatusAborted is raised by the transfer loop when the session abort
	// flag is observed. Callers never see it; it is reported as StatusDead.
	StatusAborted Status = -100
)

var statusNames = map[Status]string{
	StatusOK:              "ok",
	StatusNetwork:         "session network error",
	StatusDead:            "session dead",
	StatusWouldBlock:      "session would block",
	StatusDataTrunc:       "session data truncated",
	StatusTableFull:       "session table full",
	StatusInvalidArgument: "invalid argument",
	StatusAborted:         "operation aborted",
}

// Error implements the error interface.
func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// String returns the short label used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNetwork:
		return "network"
	case StatusDead:
		return "dead"
	case StatusWouldBlock:
		return "would_block"
	case StatusDataTrunc:
		return "data_trunc"
	case StatusTableFull:
		return "table_full"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status_%d", int(s))
}

// StatusOf maps an error to its Status. Errors that carry no Status are
// transport failures and map to StatusNetwork.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var st Status
	if errors.As(err, &st) {
		return st
	}
	return StatusNetwork
}
