// Package scoring computes attempt scores. Everything here is a pure function
// of its inputs.
package scoring

import (
	"math"

	"github.com/stemsi/exstem-simulator/internal/model"
)

// Policy holds the configured scoring constants.
type Policy struct {
	StandardPassRatio float64
	PointScale        float64
}

// DefaultPolicy is a 60% pass mark on a 0–500 point band.
var DefaultPolicy = Policy{
	StandardPassRatio: 0.60,
	PointScale:        5,
}

// ratioEpsilon absorbs float error in total × ratio before ceil (3 × 0.6 must be 2, 5 × 0.6 must be 3).
const ratioEpsilon = 1e-9

// Score grades answers against questions.
func Score(questions []model.Question, answers map[string]model.Letter, p Policy) model.ScoreReport {
	total := len(questions)
	report := model.ScoreReport{
		TotalQuestions:    total,
		StandardPassScore: StandardPassScore(total, p.StandardPassRatio),
		AngoffPassScore:   AngoffPassScore(questions),
	}

	subjects := make(map[string]int)
	for i := range questions {
		q := &questions[i]
		correct := IsCorrect(q, answers)
		if correct {
			report.RawScore++
		}

		idx, ok := subjects[q.Subject]
		if !ok {
			idx = len(report.Subjects)
			subjects[q.Subject] = idx
			report.Subjects = append(report.Subjects, model.SubjectScore{Subject: q.Subject})
		}
		report.Subjects[idx].Total++
		if correct {
			report.Subjects[idx].Correct++
		}
	}
	return report
}

// IsCorrect reports whether the recorded answer for q matches its key.
func IsCorrect(q *model.Question, answers map[string]model.Letter) bool {
	a, ok := answers[q.ID]
	return ok && a.Valid() && a == q.CorrectAnswer
}

// CountCorrect returns the number of correctly answered questions.
func CountCorrect(questions []model.Question, answers map[string]model.Letter) int {
	n := 0
	for i := range questions {
		if IsCorrect(&questions[i], answers) {
			n++
		}
	}
	return n
}

// StandardPassScore is ceil(total × ratio), clamped to [0, total].
func StandardPassScore(total int, ratio float64) int {
	if total <= 0 || ratio <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(total)*ratio - ratioEpsilon))
	return clamp(n, 0, total)
}

// AngoffPassScore sums angoff weights over the questions that carry one and
// rounds to a whole question count. It returns nil when no question has a weight.
func AngoffPassScore(questions []model.Question) *int {
	var (
		sum  float64
		seen bool
	)
	for i := range questions {
		if w := questions[i].AngoffScore; w != nil {
			sum += *w
			seen = true
		}
	}
	if !seen {
		return nil
	}
	n := clamp(int(math.Round(sum)), 0, len(questions))
	return &n
}

// Points rescales raw/total onto the presentation band (percentage × scale).
func Points(raw, total int, scale float64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(raw) / float64(total) * 100 * scale
}

// View renders a report for display. Points are recomputed from raw counts.
func View(r model.ScoreReport, p Policy) model.ResultView {
	v := model.ResultView{
		ScoreReport: r,
		Percentage:  r.Percentage(),
		Points:      Points(r.RawScore, r.TotalQuestions, p.PointScale),
		MaxPoints:   100 * p.PointScale,
		Passed:      r.Passed(),
	}
	if passed, ok := r.PassedAngoff(); ok {
		v.PassedAngoff = &passed
	}
	return v
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
