package exam

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pavelanni/certexam/internal/model"
)

// ScoredQuestion is the grading outcome of one exam question.
type ScoredQuestion struct {
	Exam     model.ExamQuestion
	Live     model.Question
	Selected []int64
	Correct  bool
	Earned   int
}

// ScoreCard is the grading outcome of a whole session. Questions that no
// longer exist in the bank are left out entirely.
type ScoreCard struct {
	Questions      []ScoredQuestion
	EarnedPoints   int
	TotalPoints    int
	CorrectAnswers int
	Score          float64
}

// Scorer grades sessions against the live question bank.
type Scorer struct {
	bank QuestionBank
}

// NewScorer creates a Scorer.
func NewScorer(bank QuestionBank) *Scorer {
	return &Scorer{bank: bank}
}

// Score grades every question frozen in the session's exam. Correctness and
// points come from the current question record, not from the snapshot.
func (s *Scorer) Score(ctx context.Context, sess *model.ExamSession) (ScoreCard, error) {
	var card ScoreCard
	for _, eq := range sess.ExamData.Questions {
		live, err := s.bank.FindQuestion(ctx, eq.QuestionID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return card, fmt.Errorf("load question %d: %w", eq.QuestionID, err)
		}
		selected := normalizeIDs(sess.Answers[eq.QuestionID])
		sq := ScoredQuestion{
			Exam:     eq,
			Live:     live,
			Selected: selected,
			Correct:  slices.Equal(selected, normalizeIDs(live.CorrectAnswerIDs())),
		}
		if sq.Correct {
			sq.Earned = live.Points
			card.EarnedPoints += live.Points
			card.CorrectAnswers++
		}
		card.TotalPoints += live.Points
		card.Questions = append(card.Questions, sq)
	}
	card.Score = Percentage(card.EarnedPoints, card.TotalPoints)
	return card, nil
}

// Percentage returns earned/total as a percentage rounded to one decimal,
// or 0 when total is 0.
func Percentage(earned, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(1000*float64(earned)/float64(total)) / 10
}

// Passed reports whether score reaches the passing score.
func Passed(score float64, passingScore int) bool {
	return score >= float64(passingScore)
}

// normalizeIDs returns a sorted copy of ids without duplicates.
func normalizeIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []int64{}
	}
	return out
}
