package scheduler

// Snapshot returns a point-in-time view of all entries. Safe to call from
// any goroutine, including while paths are firing.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	running := s.running
	tz := s.loc.String()
	s.mu.Unlock()

	infos := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	return Snapshot{Timezone: tz, Running: running, Entries: infos}
}
