// Package session
// Author: momentics <momentics@gmail.com>
//
// Teardown of live sessions: abort in-flight transfers, wait for them to
// drain, then release the native connection.

package session

import "runtime"

// drainYield suspends between checks for in-flight transfers.
var drainYield = runtime.Gosched

type busy interface {
	Busy() bool
}

// AwaitIdle yields until no transfer is in flight on s. The session must
// already be killed so that every transfer exits at its next retry.
func AwaitIdle(s busy) {
	for s.Busy() {
		drainYield()
	}
}
