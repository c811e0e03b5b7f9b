package leecher

import (
	"sort"

	"github.com/brisbynet/brisby/internal/transport"
)

// seederStat is one seeder's reputation, mutated only from the Download
// scheduler loop (see bitmap.go).
type seederStat struct {
	successes           int
	failures            int
	consecutiveFailures int
	lastUsed            int64
	banned              bool
}

// seederStats implements spec.md §4.F's weighted seeder selection:
// weight by (successes+1)/(failures+1), ties broken by least recent
// use, with recovery (unban the least-failed seeder) when every
// candidate is banned.
type seederStats struct {
	order        []transport.Address
	stats        map[transport.Address]*seederStat
	banThreshold int
	useCounter   int64
}

func newSeederStats(seeders []transport.Address, banThreshold int) *seederStats {
	s := &seederStats{
		order:        append([]transport.Address(nil), seeders...),
		stats:        make(map[transport.Address]*seederStat, len(seeders)),
		banThreshold: banThreshold,
	}
	for _, a := range seeders {
		s.stats[a] = &seederStat{}
	}
	return s
}

func weight(st *seederStat) float64 {
	return float64(st.successes+1) / float64(st.failures+1)
}

// selectSeeder picks the highest-weighted non-banned candidate, ties
// broken by least-recent use. If every candidate is banned, the seeder
// with the fewest consecutive failures is unbanned and selected
// (spec.md §4.F "recovery"); the second return value reports whether
// this selection was a recovery, for metrics.
func (s *seederStats) selectSeeder() (transport.Address, bool) {
	candidates := make([]transport.Address, 0, len(s.order))
	for _, a := range s.order {
		if !s.stats[a].banned {
			candidates = append(candidates, a)
		}
	}
	recovered := false
	if len(candidates) == 0 {
		best := s.order[0]
		for _, a := range s.order[1:] {
			if s.stats[a].consecutiveFailures < s.stats[best].consecutiveFailures {
				best = a
			}
		}
		s.stats[best].banned = false
		s.stats[best].consecutiveFailures = 0
		candidates = []transport.Address{best}
		recovered = true
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		wi, wj := weight(s.stats[candidates[i]]), weight(s.stats[candidates[j]])
		if wi != wj {
			return wi > wj
		}
		return s.stats[candidates[i]].lastUsed < s.stats[candidates[j]].lastUsed
	})

	chosen := candidates[0]
	s.useCounter++
	s.stats[chosen].lastUsed = s.useCounter
	return chosen, recovered
}

func (s *seederStats) recordSuccess(a transport.Address) {
	st := s.stats[a]
	st.successes++
	st.consecutiveFailures = 0
}

// recordFailure accounts a chunk failure against a and reports whether
// this failure just crossed the ban threshold (for metrics/logging; a
// seeder already banned reports false on subsequent failures).
func (s *seederStats) recordFailure(a transport.Address) bool {
	st := s.stats[a]
	st.failures++
	st.consecutiveFailures++
	if st.consecutiveFailures >= s.banThreshold && !st.banned {
		st.banned = true
		return true
	}
	return false
}
