package main

import "time"

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Instance    string         `json:"instance"`
	Connections int            `json:"connections"`
	Bound       int            `json:"bound"`
	Pending     int            `json:"pending"`
	Established int            `json:"established"`
	PairedTotal int64          `json:"paired_total"`
	Timeouts    int64          `json:"timeouts"`
	Sessions    []SessionStats `json:"sessions"`
	Now         string         `json:"now"`
}

// SessionStats describes one live session. Relay keys are never exposed.
type SessionStats struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Endpoints   int    `json:"endpoints"`
	Age         string `json:"age"`
	Established string `json:"established,omitempty"`
}

func collectStats(a *app) Stats {
	now := time.Now()
	rs := a.reg.Stats()
	st := Stats{
		Instance:    a.instance,
		Connections: a.engine.Connections(),
		Bound:       rs.Endpoints,
		Pending:     rs.Pending,
		Established: rs.Established,
		PairedTotal: rs.PairedTotal,
		Timeouts:    rs.Timeouts,
		Sessions:    []SessionStats{},
		Now:         now.UTC().Format(time.RFC3339),
	}
	for _, snap := range a.reg.Sessions() {
		s := SessionStats{
			ID:        snap.ID,
			State:     snap.State.Kind.String(),
			Endpoints: len(snap.Endpoints),
			Age:       now.Sub(snap.Created).Truncate(time.Second).String(),
		}
		if !snap.Established.IsZero() {
			s.Established = snap.Established.UTC().Format(time.RFC3339)
		}
		st.Sessions = append(st.Sessions, s)
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Instance":    s.Instance,
		"Connections": s.Connections,
		"Pending":     s.Pending,
		"Established": s.Established,
		"Total":       s.PairedTotal,
		"Timeouts":    s.Timeouts,
		"Sessions":    s.Sessions,
	}
}
