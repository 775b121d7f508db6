//go:build !linux
// +build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

// totalMemory is unknown off linux; callers assume the high tier.
func totalMemory() (uint64, bool) {
	return 0, false
}
