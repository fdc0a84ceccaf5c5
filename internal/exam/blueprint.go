package exam

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/certexam/internal/model"
)

// NormalizeBlueprint fills in total_questions from the distribution when it
// is left at zero.
func NormalizeBlueprint(bp model.ExamBlueprint) model.ExamBlueprint {
	if bp.TotalQuestions == 0 {
		bp.TotalQuestions = bp.DistributionTotal()
	}
	return bp
}

// ValidateBlueprint checks a blueprint before it is saved. It returns every
// problem found; a nil slice means the blueprint can be stored. Storage
// failures are returned as the error.
func ValidateBlueprint(ctx context.Context, bank QuestionBank, bp model.ExamBlueprint) ([]error, error) {
	var problems []error
	if len(bp.ChapterDistribution) == 0 {
		problems = append(problems, errors.New("chapter distribution is empty"))
	}
	if bp.TimeLimit <= 0 {
		problems = append(problems, errors.New("time limit must be a positive number of minutes"))
	}
	if bp.PassingScore < 0 || bp.PassingScore > 100 {
		problems = append(problems, fmt.Errorf("passing score %d is outside 0..100", bp.PassingScore))
	}
	if sum := bp.DistributionTotal(); bp.TotalQuestions != sum {
		problems = append(problems, fmt.Errorf("total questions %d does not match the chapter distribution sum %d", bp.TotalQuestions, sum))
	}

	seen := make(map[int64]bool, len(bp.ChapterDistribution))
	for _, q := range bp.ChapterDistribution {
		if seen[q.ChapterID] {
			problems = append(problems, fmt.Errorf("chapter %d appears more than once", q.ChapterID))
			continue
		}
		seen[q.ChapterID] = true
		if q.Count <= 0 {
			problems = append(problems, fmt.Errorf("chapter %d: question count must be positive", q.ChapterID))
			continue
		}
		ch, err := bank.FindChapter(ctx, q.ChapterID)
		if errors.Is(err, model.ErrNotFound) {
			problems = append(problems, &ChapterNotFoundError{ChapterID: q.ChapterID})
			continue
		}
		if err != nil {
			return nil, err
		}
		if ch.CertificationID != bp.CertificationID {
			problems = append(problems, fmt.Errorf("chapter %q belongs to another certification", ch.Name))
			continue
		}
		available, err := bank.CountQuestions(ctx, q.ChapterID)
		if err != nil {
			return nil, err
		}
		if available < q.Count {
			problems = append(problems, &InsufficientQuestionsError{Chapter: ch.Name, Available: available, Required: q.Count})
		}
	}
	return problems, nil
}
