package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Timezone: s.loc.String(),
		Stopped:  s.stopped,
		Jobs:     make([]JobInfo, 0, len(s.jobs)),
		Running:  len(s.active),
	}
	for _, e := range s.jobs {
		it := JobInfo{
			Name:      e.name,
			Kind:      e.norm.Kind.String(),
			Schedule:  e.norm.Description,
			Source:    e.spec.String(),
			Target:    e.ref.Identity(),
			State:     e.state.String(),
			Next:      s.nextLocked(e),
			Prev:      e.prev,
			Runs:      e.runs,
			Failures:  e.failures,
			Skipped:   e.skipped,
			LastError: e.lastErr,
		}
		if e.running != nil {
			it.ContextID = e.running.ID()
		}
		if e.timer != nil {
			snap.Timeouts++
		}
		if e.entryID != 0 {
			snap.Intervals++
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}
