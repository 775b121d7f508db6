// Package session
// Author: momentics <momentics@gmail.com>
//
// Session tables for the adhoc client. Each socket kind gets its own table,
// sized once from the host memory tier. Handles embed a slot generation, so
// a handle that outlives its session is reported dead instead of reaching
// whoever occupies the slot next.
//
// Binding and teardown go through Store.Update under one allocation guard;
// payload transfer runs outside it.

package session
