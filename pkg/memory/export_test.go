package memory

// SetGCForTest replaces the forced collection hook.
func (m *Monitor) SetGCForTest(gc func()) {
	m.gc = gc
}
