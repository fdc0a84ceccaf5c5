// Package exam builds randomized certification exams and runs timed exam
// sessions against them.
package exam

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/pavelanni/certexam/internal/model"
)

// QuestionBank is read-only access to questions grouped by chapter.
type QuestionBank interface {
	FindChapter(ctx context.Context, id int64) (model.Chapter, error)
	QuestionsOfChapter(ctx context.Context, chapterID int64) ([]model.Question, error)
	CountQuestions(ctx context.Context, chapterID int64) (int, error)
	FindQuestion(ctx context.Context, id int64) (model.Question, error)
}

// BlueprintSource looks up the exam blueprint of a certification.
type BlueprintSource interface {
	BlueprintForCertification(ctx context.Context, certificationID int64) (model.ExamBlueprint, error)
}

// Generator draws exams from a question bank according to a blueprint.
type Generator struct {
	bank       QuestionBank
	blueprints BlueprintSource
	shuffle    func(n int, swap func(i, j int))
}

// NewGenerator creates a Generator.
func NewGenerator(bank QuestionBank, blueprints BlueprintSource) *Generator {
	return &Generator{bank: bank, blueprints: blueprints, shuffle: rand.Shuffle}
}

// Validation is the outcome of a pre-flight generation check.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Problems []error  `json:"-"`
}

func (g *Generator) blueprint(ctx context.Context, certificationID int64) (model.ExamBlueprint, error) {
	bp, err := g.blueprints.BlueprintForCertification(ctx, certificationID)
	if errors.Is(err, model.ErrNotFound) {
		return bp, ErrConfigurationMissing
	}
	if err != nil {
		return bp, fmt.Errorf("load blueprint: %w", err)
	}
	if len(bp.ChapterDistribution) == 0 || bp.DistributionTotal() <= 0 || bp.TimeLimit <= 0 {
		return bp, ErrConfigurationMissing
	}
	return bp, nil
}

// checkQuota verifies one distribution entry against the bank and returns the chapter.
func (g *Generator) checkQuota(ctx context.Context, q model.ChapterQuota) (model.Chapter, error) {
	ch, err := g.bank.FindChapter(ctx, q.ChapterID)
	if errors.Is(err, model.ErrNotFound) {
		return ch, &ChapterNotFoundError{ChapterID: q.ChapterID}
	}
	if err != nil {
		return ch, fmt.Errorf("load chapter %d: %w", q.ChapterID, err)
	}
	available, err := g.bank.CountQuestions(ctx, q.ChapterID)
	if err != nil {
		return ch, fmt.Errorf("count questions of chapter %d: %w", q.ChapterID, err)
	}
	if available < q.Count {
		return ch, &InsufficientQuestionsError{Chapter: ch.Name, Available: available, Required: q.Count}
	}
	return ch, nil
}

type drawn struct {
	question model.Question
	chapter  string
}

// GenerateExam builds a fresh randomized exam for a certification. Each call
// draws a new selection and new answer orders.
func (g *Generator) GenerateExam(ctx context.Context, certificationID int64) (model.ExamPayload, error) {
	bp, err := g.blueprint(ctx, certificationID)
	if err != nil {
		return model.ExamPayload{}, err
	}

	var selected []drawn
	for _, quota := range bp.ChapterDistribution {
		if quota.Count <= 0 {
			continue
		}
		ch, err := g.checkQuota(ctx, quota)
		if err != nil {
			return model.ExamPayload{}, err
		}
		pool, err := g.bank.QuestionsOfChapter(ctx, quota.ChapterID)
		if err != nil {
			return model.ExamPayload{}, fmt.Errorf("load questions of chapter %d: %w", quota.ChapterID, err)
		}
		// The count may have dropped between the check and the load.
		if len(pool) < quota.Count {
			return model.ExamPayload{}, &InsufficientQuestionsError{Chapter: ch.Name, Available: len(pool), Required: quota.Count}
		}
		g.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		for _, q := range pool[:quota.Count] {
			selected = append(selected, drawn{question: q, chapter: ch.Name})
		}
	}

	g.shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })

	payload := model.ExamPayload{
		CertificationID: certificationID,
		Questions:       make([]model.ExamQuestion, 0, len(selected)),
		TimeLimit:       bp.TimeLimit,
	}
	for _, d := range selected {
		payload.Questions = append(payload.Questions, g.project(d))
		payload.TotalPoints += d.question.Points
	}
	payload.TotalQuestions = len(payload.Questions)
	return payload, nil
}

// project freezes a question into its exam form with its own answer order.
func (g *Generator) project(d drawn) model.ExamQuestion {
	answers := make([]model.ExamAnswer, len(d.question.Answers))
	for i, a := range d.question.Answers {
		answers[i] = model.ExamAnswer{ID: a.ID, Text: a.Text}
	}
	g.shuffle(len(answers), func(i, j int) { answers[i], answers[j] = answers[j], answers[i] })
	return model.ExamQuestion{
		QuestionID: d.question.ID,
		Chapter:    d.chapter,
		Text:       d.question.Text,
		Answers:    answers,
		Type:       d.question.Type(),
		Difficulty: d.question.Difficulty,
		Points:     d.question.Points,
	}
}

// ValidateExamGeneration runs the generation checks for every distribution
// entry and collects all problems instead of stopping at the first one.
func (g *Generator) ValidateExamGeneration(ctx context.Context, certificationID int64) (Validation, error) {
	v := Validation{Errors: []string{}}
	bp, err := g.blueprint(ctx, certificationID)
	if errors.Is(err, ErrConfigurationMissing) {
		v.add(err)
		return v, nil
	}
	if err != nil {
		return v, err
	}
	for _, quota := range bp.ChapterDistribution {
		_, err := g.checkQuota(ctx, quota)
		var notFound *ChapterNotFoundError
		var insufficient *InsufficientQuestionsError
		switch {
		case err == nil:
		case errors.As(err, &notFound), errors.As(err, &insufficient):
			v.add(err)
		default:
			return v, err
		}
	}
	v.Valid = len(v.Problems) == 0
	return v, nil
}

func (v *Validation) add(err error) {
	v.Problems = append(v.Problems, err)
	v.Errors = append(v.Errors, err.Error())
}
