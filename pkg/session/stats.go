package session

import (
	"fmt"
	"time"
)

// Stats about the runs of a Session.
type Stats struct {
	// RunCount is the number of runs, including the failed ones.
	RunCount int64

	// ErrorCount is the number of runs that returned an error.
	ErrorCount int64

	// TotalTime spent in runs, and LastRunTime of the most recent one.
	TotalTime, LastRunTime time.Duration

	// NumCompiled is the number of executables compiled: one for each different set of fetches and feeds.
	NumCompiled int
}

// AverageTime per run, or 0 if there were no runs.
func (st Stats) AverageTime() time.Duration {
	if st.RunCount == 0 {
		return 0
	}
	return st.TotalTime / time.Duration(st.RunCount)
}

// String implements fmt.Stringer.
func (st Stats) String() string {
	return fmt.Sprintf("%d runs (%d errors), %d compiled, total %s, last %s", st.RunCount, st.ErrorCount,
		st.NumCompiled, st.TotalTime, st.LastRunTime)
}

// Stats returns a snapshot of the Session run statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes the run counters. The number of compiled executables is kept.
func (s *Session) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{NumCompiled: s.stats.NumCompiled}
}

func (s *Session) recordRun(elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.RunCount++
	s.stats.TotalTime += elapsed
	s.stats.LastRunTime = elapsed
	if err != nil {
		s.stats.ErrorCount++
	}
}
