package engine

import (
	"strings"

	"github.com/stemsi/exstem-simulator/internal/model"
)

// QuestionSet is the ordered, immutable list of questions assigned to a session.
type QuestionSet struct {
	questions []model.Question
	index     map[string]int
}

// NewQuestionSet orders fetched by ids. Fetched may arrive in any order and
// may contain questions not in ids; every id must be present exactly once.
func NewQuestionSet(ids []string, fetched []model.Question) (*QuestionSet, error) {
	if len(ids) == 0 {
		return nil, &ConfigError{Err: ErrEmptyQuestionSet}
	}

	byID := make(map[string]*model.Question, len(fetched))
	for i := range fetched {
		byID[fetched[i].ID] = &fetched[i]
	}

	set := &QuestionSet{
		questions: make([]model.Question, 0, len(ids)),
		index:     make(map[string]int, len(ids)),
	}
	var missing []string
	for _, id := range ids {
		if _, dup := set.index[id]; dup {
			return nil, configErr(ErrDuplicateQuestion, "id %s", id)
		}
		q, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		set.index[id] = len(set.questions)
		set.questions = append(set.questions, *q)
	}
	if len(missing) > 0 {
		return nil, configErr(ErrQuestionsMissing, "missing %s", strings.Join(missing, ","))
	}
	return set, nil
}

// Len returns the number of questions.
func (s *QuestionSet) Len() int { return len(s.questions) }

// At returns the question at position i.
func (s *QuestionSet) At(i int) *model.Question { return &s.questions[i] }

// IndexOf returns the position of id, or -1.
func (s *QuestionSet) IndexOf(id string) int {
	if i, ok := s.index[id]; ok {
		return i
	}
	return -1
}

// Contains reports whether id belongs to the set.
func (s *QuestionSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// IDs returns the ids in session order.
func (s *QuestionSet) IDs() []string {
	out := make([]string, len(s.questions))
	for i := range s.questions {
		out[i] = s.questions[i].ID
	}
	return out
}

// Questions returns a copy of the questions in session order.
func (s *QuestionSet) Questions() []model.Question {
	out := make([]model.Question, len(s.questions))
	copy(out, s.questions)
	return out
}
