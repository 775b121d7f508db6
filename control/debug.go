// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Named state probes for --dump-state style diagnostics. The client exposes
// its session tables here and the platform files add host facts.

package control

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
)

// Probe reports one piece of live state. It must be safe to call from any
// goroutine.
type Probe func() any

// DebugProbes is a registry of named probes.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

func NewDebugProbes() *DebugProbes {
	return &DebugProbes{probes: map[string]Probe{}}
}

// RegisterProbe binds fn to name. A later registration under the same name
// wins.
func (dp *DebugProbes) RegisterProbe(name string, fn Probe) {
	dp.mu.Lock()
	dp.probes[name] = fn
	dp.mu.Unlock()
}

// UnregisterProbe drops name if present.
func (dp *DebugProbes) UnregisterProbe(name string) {
	dp.mu.Lock()
	delete(dp.probes, name)
	dp.mu.Unlock()
}

// Names returns the registered probe names, sorted.
func (dp *DebugProbes) Names() []string {
	dp.mu.RLock()
	names := make([]string, 0, len(dp.probes))
	for name := range dp.probes {
		names = append(names, name)
	}
	dp.mu.RUnlock()
	sort.Strings(names)
	return names
}

// DumpState evaluates every probe. Probes run outside the registry lock so
// one may register another.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	snapshot := make(map[string]Probe, len(dp.probes))
	for name, fn := range dp.probes {
		snapshot[name] = fn
	}
	dp.mu.RUnlock()

	state := make(map[string]any, len(snapshot))
	for name, fn := range snapshot {
		state[name] = fn()
	}
	return state
}

// WriteJSON encodes DumpState to w, indented.
func (dp *DebugProbes) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dp.DumpState())
}
