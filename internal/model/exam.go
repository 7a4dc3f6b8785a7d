package model

import (
	"time"
)

// ExamType tags the kind of assessment an attempt runs.
type ExamType string

const (
	ExamTypeMock    ExamType = "mock"
	ExamTypeExamDay ExamType = "exam_day"
)

// ExamSpec is the immutable configuration an attempt is created from.
// For two-session exams the first half of QuestionIDs belongs to session 1
// and the second half to session 2.
type ExamSpec struct {
	Title          string   `json:"title"`
	ExamType       ExamType `json:"exam_type"`
	QuestionIDs    []string `json:"question_ids"`
	SessionCount   int      `json:"session_count"`
	SessionMinutes float64  `json:"session_minutes"`
}

// SessionSize returns the number of questions in each session.
func (s *ExamSpec) SessionSize() int {
	if s.SessionCount <= 0 {
		return 0
	}
	return len(s.QuestionIDs) / s.SessionCount
}

// SessionQuestionIDs returns the ids assigned to session i (1-based).
func (s *ExamSpec) SessionQuestionIDs(i int) []string {
	size := s.SessionSize()
	if i < 1 || i > s.SessionCount || size == 0 {
		return nil
	}
	return s.QuestionIDs[(i-1)*size : i*size]
}

// SessionLimit converts SessionMinutes into a duration.
func (s *ExamSpec) SessionLimit() time.Duration {
	return time.Duration(s.SessionMinutes * float64(time.Minute))
}

// StartExamRequest is the payload for starting a simulator or mock exam.
type StartExamRequest struct {
	Title          string   `json:"title" binding:"required,min=1,max=255"`
	ExamType       string   `json:"exam_type" binding:"required,oneof=mock exam_day"`
	QuestionIDs    []string `json:"question_ids" binding:"required,min=1,dive,required,max=64"`
	SessionCount   int      `json:"session_count" binding:"required,oneof=1 2"`
	SessionMinutes float64  `json:"session_minutes" binding:"omitempty,gt=0,lte=600"`
}

// Spec converts the request into an ExamSpec, falling back to defaultMinutes.
func (r *StartExamRequest) Spec(defaultMinutes float64) ExamSpec {
	minutes := r.SessionMinutes
	if minutes == 0 {
		minutes = defaultMinutes
	}
	ids := make([]string, len(r.QuestionIDs))
	copy(ids, r.QuestionIDs)
	return ExamSpec{
		Title:          r.Title,
		ExamType:       ExamType(r.ExamType),
		QuestionIDs:    ids,
		SessionCount:   r.SessionCount,
		SessionMinutes: minutes,
	}
}

// AnswerRequest selects an answer for the current question.
type AnswerRequest struct {
	Answer string `json:"answer" binding:"required,answer_letter"`
}

// JumpRequest moves to a question index within the current session.
type JumpRequest struct {
	Index *int `json:"index" binding:"required,min=0"`
}
