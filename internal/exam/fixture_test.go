package exam_test

import (
	"context"
	"testing"
	"time"

	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/store"
)

// fixture is a certification backed by an in-memory store with a manual clock.
type fixture struct {
	store  *store.Store
	gen    *exam.Generator
	mgr    *exam.Manager
	certID int64
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	certID, err := s.CreateCertification(context.Background(), model.Certification{Name: "Go Developer"})
	if err != nil {
		t.Fatalf("CreateCertification: %v", err)
	}
	f := &fixture{
		store:  s,
		certID: certID,
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.gen = exam.NewGenerator(s, s)
	f.mgr = exam.NewManager(f.gen, s, s)
	f.mgr.SetClock(func() time.Time { return f.now })
	f.mgr.SetFeedback(func(_ context.Context, correct bool) string {
		if correct {
			return "good"
		}
		return "review"
	})
	return f
}

func (f *fixture) chapter(t *testing.T, name string) int64 {
	t.Helper()
	id, err := f.store.CreateChapter(context.Background(), model.Chapter{CertificationID: f.certID, Name: name})
	if err != nil {
		t.Fatalf("CreateChapter: %v", err)
	}
	return id
}

// question adds a four-answer question whose correct answers are the given ids.
func (f *fixture) question(t *testing.T, chapterID int64, points int, correct ...int64) int64 {
	t.Helper()
	q := model.Question{
		ChapterID:  chapterID,
		Text:       "question",
		Difficulty: model.DifficultyMedium,
		Points:     points,
	}
	for id := int64(1); id <= 4; id++ {
		a := model.Answer{ID: id, Text: "answer " + string(rune('A'+id-1))}
		for _, c := range correct {
			if c == id {
				a.Correct = true
			}
		}
		q.Answers = append(q.Answers, a)
	}
	id, err := f.store.InsertQuestion(context.Background(), q)
	if err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}
	return id
}

func (f *fixture) blueprint(t *testing.T, passing int, quotas ...model.ChapterQuota) {
	t.Helper()
	bp := model.ExamBlueprint{
		CertificationID:     f.certID,
		ChapterDistribution: quotas,
		TimeLimit:           30,
		PassingScore:        passing,
	}
	bp = exam.NormalizeBlueprint(bp)
	if _, err := f.store.SaveBlueprint(context.Background(), bp); err != nil {
		t.Fatalf("SaveBlueprint: %v", err)
	}
}

func (f *fixture) start(t *testing.T, userID int64) model.ExamSession {
	t.Helper()
	sess, _, err := f.mgr.Start(context.Background(), userID, f.certID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess
}

// correctIDs returns the live correct answer ids of a question.
func (f *fixture) correctIDs(t *testing.T, questionID int64) []int64 {
	t.Helper()
	q, err := f.store.FindQuestion(context.Background(), questionID)
	if err != nil {
		t.Fatalf("FindQuestion: %v", err)
	}
	return q.CorrectAnswerIDs()
}

// wrongIDs returns an answer selection that is not correct for the question.
func (f *fixture) wrongIDs(t *testing.T, questionID int64) []int64 {
	t.Helper()
	q, err := f.store.FindQuestion(context.Background(), questionID)
	if err != nil {
		t.Fatalf("FindQuestion: %v", err)
	}
	for _, a := range q.Answers {
		if !a.Correct {
			return []int64{a.ID}
		}
	}
	t.Fatalf("question %d has no wrong answer", questionID)
	return nil
}

func quota(chapterID int64, count int) model.ChapterQuota {
	return model.ChapterQuota{ChapterID: chapterID, Count: count}
}
