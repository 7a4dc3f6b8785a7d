package engine

import (
	"sort"
	"time"

	"github.com/stemsi/exstem-simulator/internal/model"
)

// SessionState is the mutable state of one session. Only its controller
// mutates it, and it is frozen once the session finishes.
type SessionState struct {
	set       *QuestionSet
	answers   map[string]model.Letter
	flags     map[string]struct{}
	times     map[string]float64
	current   int
	viewStart time.Time
	frozen    bool
}

func newSessionState(set *QuestionSet, now time.Time) *SessionState {
	return &SessionState{
		set:       set,
		answers:   make(map[string]model.Letter),
		flags:     make(map[string]struct{}),
		times:     make(map[string]float64),
		viewStart: now,
	}
}

// restore loads previously flushed data for this set. Entries for foreign ids are ignored.
func (s *SessionState) restore(answers map[string]model.Letter, flags []string, times map[string]float64, current int, now time.Time) {
	for qid, l := range answers {
		if s.set.Contains(qid) && l.Valid() {
			s.answers[qid] = l
		}
	}
	for _, qid := range flags {
		if s.set.Contains(qid) {
			s.flags[qid] = struct{}{}
		}
	}
	for qid, secs := range times {
		if s.set.Contains(qid) {
			s.times[qid] = secs
		}
	}
	if current >= 0 && current < s.set.Len() {
		s.current = current
	}
	s.viewStart = now
}

func (s *SessionState) currentID() string {
	return s.set.At(s.current).ID
}

// flush adds the time since the current question was shown to its total and
// restarts the view timer.
func (s *SessionState) flush(now time.Time) {
	if s.frozen {
		return
	}
	if elapsed := now.Sub(s.viewStart).Seconds(); elapsed > 0 {
		s.times[s.currentID()] += elapsed
	}
	s.viewStart = now
}

func (s *SessionState) moveTo(i int, now time.Time) {
	s.flush(now)
	s.current = i
}

func (s *SessionState) answersCopy() map[string]model.Letter {
	out := make(map[string]model.Letter, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

func (s *SessionState) timesCopy() map[string]float64 {
	out := make(map[string]float64, len(s.times))
	for k, v := range s.times {
		out[k] = v
	}
	return out
}

func (s *SessionState) flagList() []string {
	out := make([]string, 0, len(s.flags))
	for k := range s.flags {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// flagPatch reports the flagged state of every question in the set.
func (s *SessionState) flagPatch() map[string]bool {
	out := make(map[string]bool, s.set.Len())
	for _, id := range s.set.IDs() {
		_, on := s.flags[id]
		out[id] = on
	}
	return out
}
