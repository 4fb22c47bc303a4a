package rollout

import (
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"
)

// machine enforces the state graph and records transitions into a Result.
type machine struct {
	result   *Result
	clock    clock.PassiveClock
	observer Observer
}

func newMachine(res *Result, c clock.PassiveClock, obs Observer) *machine {
	m := &machine{result: res, clock: c, observer: obs}
	res.State = StatePending
	res.StartedAt = c.Now()
	m.record(Transition{To: StatePending, At: res.StartedAt})
	return m
}

func (m *machine) to(next State, reason string) error {
	cur := m.result.State
	if !cur.CanTransition(next) {
		return fmt.Errorf("invalid rollout transition %s -> %s", cur, next)
	}
	m.result.State = next
	t := Transition{From: cur, To: next, At: m.clock.Now(), Reason: reason}
	if next.Terminal() {
		m.result.FinishedAt = t.At
	}
	m.record(t)

	slog.Info("rollout state changed",
		"release", m.result.Release,
		"namespace", m.result.Namespace,
		"from", cur,
		"to", next,
		"reason", reason,
	)
	return nil
}

func (m *machine) record(t Transition) {
	m.result.Transitions = append(m.result.Transitions, t)
	if m.observer != nil {
		m.observer(t)
	}
}
