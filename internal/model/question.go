package model

import (
	"fmt"
	"strings"
)

// Letter identifies one of the five answer options of a question.
type Letter uint8

const (
	LetterNone Letter = iota
	LetterA
	LetterB
	LetterC
	LetterD
	LetterE
)

// OptionCount is the fixed number of options every question carries.
const OptionCount = 5

// Letters lists the valid option letters in display order.
var Letters = [OptionCount]Letter{LetterA, LetterB, LetterC, LetterD, LetterE}

// ParseLetter converts "A".."E" (case-insensitive) into a Letter.
func ParseLetter(s string) (Letter, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return LetterA, nil
	case "B":
		return LetterB, nil
	case "C":
		return LetterC, nil
	case "D":
		return LetterD, nil
	case "E":
		return LetterE, nil
	}
	return LetterNone, fmt.Errorf("invalid answer letter %q", s)
}

// Valid reports whether l is one of A..E.
func (l Letter) Valid() bool {
	return l >= LetterA && l <= LetterE
}

// Index returns the 0-based option index of l. It panics on an invalid letter.
func (l Letter) Index() int {
	if !l.Valid() {
		panic(fmt.Sprintf("model: invalid letter %d", l))
	}
	return int(l - LetterA)
}

func (l Letter) String() string {
	if !l.Valid() {
		return ""
	}
	return string(rune('A' + l.Index()))
}

// MarshalText encodes the letter as "A".."E".
func (l Letter) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid answer letter %d", l)
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes "A".."E".
func (l *Letter) UnmarshalText(b []byte) error {
	v, err := ParseLetter(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Question is an immutable question record supplied by the question store.
type Question struct {
	ID            string              `json:"id"`
	QuestionText  string              `json:"question_text"`
	Options       [OptionCount]string `json:"options"`
	CorrectAnswer Letter              `json:"correct_answer"`
	Explanation   string              `json:"explanation"`
	Subject       string              `json:"subject"`
	Difficulty    string              `json:"difficulty"`
	AngoffScore   *float64            `json:"angoff_score,omitempty"`
}

// Option returns the text of the option identified by l.
func (q *Question) Option(l Letter) string {
	return q.Options[l.Index()]
}

// QuestionForCandidate is a question without its key or explanation, sent while a session runs.
type QuestionForCandidate struct {
	ID           string              `json:"id"`
	QuestionText string              `json:"question_text"`
	Options      [OptionCount]string `json:"options"`
	Subject      string              `json:"subject"`
}

// ForCandidate strips the answer key and explanation.
func (q *Question) ForCandidate() QuestionForCandidate {
	return QuestionForCandidate{
		ID:           q.ID,
		QuestionText: q.QuestionText,
		Options:      q.Options,
		Subject:      q.Subject,
	}
}
