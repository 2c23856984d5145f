package orchestrator

import (
	"sort"
	"strings"
	"time"

	"github.com/lspherd/lspherd/internal/registry"
)

// Status summarizes one server across all of its roots.
type Status string

const (
	StatusBroken    Status = "broken"
	StatusSpawning  Status = "spawning"
	StatusConnected Status = "connected"
	StatusIdle      Status = "idle"
	StatusDisabled  Status = "disabled"
)

// statusRank orders snapshot entries: problems first, dormant last.
var statusRank = map[Status]int{
	StatusBroken:    0,
	StatusSpawning:  1,
	StatusConnected: 2,
	StatusIdle:      3,
	StatusDisabled:  4,
}

// ServerStatus is one snapshot row.
type ServerStatus struct {
	ID         string
	Status     Status
	Provenance registry.Provenance
	Command    []string
	Extensions []string

	ConnectedRoots []string
	SpawningRoots  []string

	// Backoff detail, present when Status is broken.
	Attempts  int
	RetryAt   time.Time
	LastError string

	Diagnostics int
}

// Snapshot reports every known server, ordered broken, spawning, connected,
// idle, disabled, alphabetical within each group.
func (r *Runtime) Snapshot() []ServerStatus {
	_, defs := r.refresh()

	r.mu.Lock()
	connected := make(map[string][]string)
	diags := make(map[string]int)
	for _, c := range r.clients {
		connected[c.ServerID()] = append(connected[c.ServerID()], c.Root())
		diags[c.ServerID()] += c.DiagnosticsCount()
	}
	spawning := make(map[string][]string)
	for key := range r.spawning {
		id, root := splitKey(key)
		spawning[id] = append(spawning[id], root)
	}
	type brokenInfo struct {
		attempts int
		retryAt  time.Time
		lastErr  string
	}
	broken := make(map[string]brokenInfo)
	for key, bs := range r.broken {
		id, _ := splitKey(key)
		bi := broken[id]
		if bs.Attempts > bi.attempts {
			bi.attempts = bs.Attempts
			bi.retryAt = bs.RetryAt
			if bs.LastError != nil {
				bi.lastErr = bs.LastError.Error()
			}
		}
		broken[id] = bi
	}
	r.mu.Unlock()

	out := make([]ServerStatus, 0, len(defs))
	for id, def := range defs {
		st := ServerStatus{
			ID:             id,
			Provenance:     def.Provenance,
			Command:        def.Command,
			Extensions:     def.Extensions,
			ConnectedRoots: sorted(connected[id]),
			SpawningRoots:  sorted(spawning[id]),
			Diagnostics:    diags[id],
		}
		switch {
		case len(broken[id].lastErr) > 0 || broken[id].attempts > 0:
			bi := broken[id]
			st.Status = StatusBroken
			st.Attempts = bi.attempts
			st.RetryAt = bi.retryAt
			st.LastError = bi.lastErr
		case len(st.SpawningRoots) > 0:
			st.Status = StatusSpawning
		case len(st.ConnectedRoots) > 0:
			st.Status = StatusConnected
		case def.Disabled:
			st.Status = StatusDisabled
		default:
			st.Status = StatusIdle
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := statusRank[out[i].Status], statusRank[out[j].Status]
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func splitKey(key string) (id, root string) {
	if i := strings.Index(key, "::"); i >= 0 {
		return key[:i], key[i+2:]
	}
	return key, ""
}

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}
