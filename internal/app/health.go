package app

import (
	"time"

	rtsup "cryptkeeper/internal/runtime/supervisor"
)

type healthCycle struct {
	ID       string         `json:"id"`
	Started  time.Time      `json:"started"`
	Took     string         `json:"took"`
	Inserted map[string]int `json:"inserted"`
	Err      string         `json:"err,omitempty"`
}

type healthBody struct {
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	LastCycle   *healthCycle  `json:"last_cycle,omitempty"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
	NextRun     *time.Time    `json:"next_run,omitempty"`
	Tasks       []rtsup.Stats `json:"tasks,omitempty"`
}

// health backs /healthz. A failing cycle is reported but does not make the
// process unhealthy; only a fatal supervisor error does.
func (a *App) health() (bool, any) {
	body := healthBody{Status: "ok", StartedAt: a.startedAt}
	ok := true
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			ok = false
			body.Status = "fatal: " + err.Error()
		}
		body.Tasks = a.sup.Snapshot()
	}

	a.lastMu.Lock()
	if a.last.CycleID != "" {
		hc := &healthCycle{
			ID:       a.last.CycleID,
			Started:  a.last.Started,
			Took:     a.last.Took.String(),
			Inserted: map[string]int{},
		}
		for kind, es := range a.last.Inserted {
			hc.Inserted[string(kind)] = len(es)
		}
		if a.lastErr != nil {
			hc.Err = a.lastErr.Error()
		}
		body.LastCycle = hc
	}
	if !a.lastOK.IsZero() {
		t := a.lastOK
		body.LastSuccess = &t
	}
	a.lastMu.Unlock()

	if next := a.sched.Next(cycleJob); !next.IsZero() {
		body.NextRun = &next
	}
	return ok, body
}
