package model

// ScoreReport is the output of scoring a completed attempt.
// Points are presentation-only and always derived from RawScore and TotalQuestions.
type ScoreReport struct {
	RawScore          int            `json:"raw_score"`
	TotalQuestions    int            `json:"total_questions"`
	StandardPassScore int            `json:"standard_pass_score"`
	AngoffPassScore   *int           `json:"angoff_pass_score"`
	Subjects          []SubjectScore `json:"subjects,omitempty"`
}

// SubjectScore is the per-subject breakdown shown on the review page.
type SubjectScore struct {
	Subject string `json:"subject"`
	Correct int    `json:"correct"`
	Total   int    `json:"total"`
}

// Passed reports whether the raw score meets the standard threshold.
func (r *ScoreReport) Passed() bool {
	return r.RawScore >= r.StandardPassScore
}

// PassedAngoff reports the result against the angoff threshold; ok is false
// when no angoff threshold applies.
func (r *ScoreReport) PassedAngoff() (passed, ok bool) {
	if r.AngoffPassScore == nil {
		return false, false
	}
	return r.RawScore >= *r.AngoffPassScore, true
}

// Percentage returns the raw score as a percentage of total questions.
func (r *ScoreReport) Percentage() float64 {
	if r.TotalQuestions == 0 {
		return 0
	}
	return float64(r.RawScore) / float64(r.TotalQuestions) * 100
}

// ResultView is the candidate-facing rendering of a report.
type ResultView struct {
	ScoreReport
	Percentage   float64 `json:"percentage"`
	Points       float64 `json:"points"`
	MaxPoints    float64 `json:"max_points"`
	Passed       bool    `json:"passed"`
	PassedAngoff *bool   `json:"passed_angoff,omitempty"`
}
