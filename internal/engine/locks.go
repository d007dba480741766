package engine

import "sync"

// runLocks hands out one mutex per run. Different runs never contend.
type runLocks struct {
	mu    sync.Mutex
	byRun map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{byRun: make(map[string]*sync.Mutex)}
}

// lock acquires the run's mutex and returns its unlock function.
func (l *runLocks) lock(runID string) func() {
	l.mu.Lock()
	m, ok := l.byRun[runID]
	if !ok {
		m = &sync.Mutex{}
		l.byRun[runID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
