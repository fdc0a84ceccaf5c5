package exam_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/model"
)

func TestGenerateRespectsDistribution(t *testing.T) {
	f := newFixture(t)
	basics := f.chapter(t, "Basics")
	concurrency := f.chapter(t, "Concurrency")
	for i := range 5 {
		f.question(t, basics, 1+i%3, 1)
	}
	for range 4 {
		f.question(t, concurrency, 2, 1, 3)
	}
	f.blueprint(t, 70, quota(basics, 3), quota(concurrency, 2))

	payload, err := f.gen.GenerateExam(context.Background(), f.certID)
	if err != nil {
		t.Fatalf("GenerateExam: %v", err)
	}
	if payload.TotalQuestions != 5 || len(payload.Questions) != 5 {
		t.Fatalf("got %d questions (total %d), want 5", len(payload.Questions), payload.TotalQuestions)
	}
	if payload.TimeLimit != 30 {
		t.Errorf("TimeLimit = %d, want 30", payload.TimeLimit)
	}

	perChapter := map[string]int{}
	seen := map[int64]bool{}
	points := 0
	for _, q := range payload.Questions {
		perChapter[q.Chapter]++
		if seen[q.QuestionID] {
			t.Errorf("question %d drawn twice", q.QuestionID)
		}
		seen[q.QuestionID] = true
		points += q.Points
		if len(q.Answers) != 4 {
			t.Errorf("question %d has %d answers", q.QuestionID, len(q.Answers))
		}
	}
	if perChapter["Basics"] != 3 || perChapter["Concurrency"] != 2 {
		t.Errorf("per-chapter counts = %v", perChapter)
	}
	if payload.TotalPoints != points {
		t.Errorf("TotalPoints = %d, want %d", payload.TotalPoints, points)
	}
}

func TestGeneratedPayloadHidesCorrectness(t *testing.T) {
	f := newFixture(t)
	ch := f.chapter(t, "Basics")
	f.question(t, ch, 1, 2)
	f.question(t, ch, 1, 1, 4)
	f.blueprint(t, 50, quota(ch, 2))

	payload, err := f.gen.GenerateExam(context.Background(), f.certID)
	if err != nil {
		t.Fatalf("GenerateExam: %v", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "correct") {
		t.Errorf("payload leaks correctness: %s", raw)
	}
	types := map[model.QuestionType]int{}
	for _, q := range payload.Questions {
		types[q.Type]++
	}
	if types[model.QuestionSingle] != 1 || types[model.QuestionMultiple] != 1 {
		t.Errorf("question types = %v", types)
	}
}

func TestGenerateConfigurationMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.gen.GenerateExam(ctx, f.certID); !errors.Is(err, exam.ErrConfigurationMissing) {
		t.Errorf("no blueprint: error = %v, want ErrConfigurationMissing", err)
	}

	f.blueprint(t, 50)
	if _, err := f.gen.GenerateExam(ctx, f.certID); !errors.Is(err, exam.ErrConfigurationMissing) {
		t.Errorf("empty distribution: error = %v, want ErrConfigurationMissing", err)
	}

	v, err := f.gen.ValidateExamGeneration(ctx, f.certID)
	if err != nil {
		t.Fatalf("ValidateExamGeneration: %v", err)
	}
	if v.Valid || len(v.Errors) != 1 {
		t.Errorf("validation = %+v, want one configuration error", v)
	}
}

func TestGenerateInsufficientQuestions(t *testing.T) {
	f := newFixture(t)
	ch := f.chapter(t, "Networking")
	f.question(t, ch, 1, 1)
	f.question(t, ch, 1, 1)
	f.blueprint(t, 50, quota(ch, 3))

	_, err := f.gen.GenerateExam(context.Background(), f.certID)
	var insufficient *exam.InsufficientQuestionsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("error = %v, want InsufficientQuestionsError", err)
	}
	if insufficient.Chapter != "Networking" || insufficient.Available != 2 || insufficient.Required != 3 {
		t.Errorf("error fields = %+v", insufficient)
	}
	for _, want := range []string{"Networking", "2", "3"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("message %q does not mention %q", err, want)
		}
	}
}

func TestGenerateChapterNotFound(t *testing.T) {
	f := newFixture(t)
	f.blueprint(t, 50, quota(999, 1))

	_, err := f.gen.GenerateExam(context.Background(), f.certID)
	var notFound *exam.ChapterNotFoundError
	if !errors.As(err, &notFound) || notFound.ChapterID != 999 {
		t.Errorf("error = %v, want ChapterNotFoundError for 999", err)
	}
}

func TestValidateExamGenerationAggregates(t *testing.T) {
	f := newFixture(t)
	a := f.chapter(t, "A")
	b := f.chapter(t, "B")
	ok := f.chapter(t, "C")
	f.question(t, a, 1, 1)
	f.question(t, b, 1, 1)
	f.question(t, ok, 1, 1)
	f.blueprint(t, 50, quota(a, 2), quota(999, 1), quota(b, 5), quota(ok, 1))

	v, err := f.gen.ValidateExamGeneration(context.Background(), f.certID)
	if err != nil {
		t.Fatalf("ValidateExamGeneration: %v", err)
	}
	if v.Valid {
		t.Fatal("expected invalid generation")
	}
	if len(v.Errors) != 3 || len(v.Problems) != 3 {
		t.Fatalf("errors = %v, want 3", v.Errors)
	}
	var insufficient, missing int
	for _, p := range v.Problems {
		var ie *exam.InsufficientQuestionsError
		var ce *exam.ChapterNotFoundError
		switch {
		case errors.As(p, &ie):
			insufficient++
		case errors.As(p, &ce):
			missing++
		}
	}
	if insufficient != 2 || missing != 1 {
		t.Errorf("insufficient=%d missing=%d, want 2 and 1", insufficient, missing)
	}
}

func TestValidateExamGenerationValid(t *testing.T) {
	f := newFixture(t)
	ch := f.chapter(t, "A")
	f.question(t, ch, 1, 1)
	f.blueprint(t, 50, quota(ch, 1))

	v, err := f.gen.ValidateExamGeneration(context.Background(), f.certID)
	if err != nil {
		t.Fatalf("ValidateExamGeneration: %v", err)
	}
	if !v.Valid || len(v.Errors) != 0 {
		t.Errorf("validation = %+v, want valid", v)
	}
}

type layout struct {
	questions []int64
	answers   [][]int64
}

func layoutOf(p model.ExamPayload) layout {
	var l layout
	for _, q := range p.Questions {
		l.questions = append(l.questions, q.QuestionID)
		var ids []int64
		for _, a := range q.Answers {
			ids = append(ids, a.ID)
		}
		l.answers = append(l.answers, ids)
	}
	return l
}

func (l layout) equal(o layout) bool {
	if !slices.Equal(l.questions, o.questions) {
		return false
	}
	for i := range l.answers {
		if !slices.Equal(l.answers[i], o.answers[i]) {
			return false
		}
	}
	return true
}

func TestGenerateRandomizes(t *testing.T) {
	f := newFixture(t)
	ch := f.chapter(t, "Pool")
	for range 10 {
		f.question(t, ch, 1, 2)
	}
	f.blueprint(t, 50, quota(ch, 4))

	first, err := f.gen.GenerateExam(context.Background(), f.certID)
	if err != nil {
		t.Fatalf("GenerateExam: %v", err)
	}
	base := layoutOf(first)
	for range 5 {
		next, err := f.gen.GenerateExam(context.Background(), f.certID)
		if err != nil {
			t.Fatalf("GenerateExam: %v", err)
		}
		if !layoutOf(next).equal(base) {
			return
		}
	}
	t.Error("six generations produced the same selection and answer order")
}

func TestValidateBlueprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.chapter(t, "A")
	f.question(t, ch, 1, 1)
	f.question(t, ch, 1, 1)

	otherCert, err := f.store.CreateCertification(ctx, model.Certification{Name: "Other"})
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := f.store.CreateChapter(ctx, model.Chapter{CertificationID: otherCert, Name: "Foreign"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		bp       model.ExamBlueprint
		problems int
	}{
		{
			name: "valid",
			bp:   model.ExamBlueprint{ChapterDistribution: []model.ChapterQuota{quota(ch, 2)}, TotalQuestions: 2, TimeLimit: 10, PassingScore: 60},
		},
		{
			name:     "empty",
			bp:       model.ExamBlueprint{TimeLimit: 10},
			problems: 1,
		},
		{
			name:     "total mismatch and bad limits",
			bp:       model.ExamBlueprint{ChapterDistribution: []model.ChapterQuota{quota(ch, 1)}, TotalQuestions: 5, PassingScore: 120},
			problems: 3,
		},
		{
			name:     "chapter problems",
			bp:       model.ExamBlueprint{ChapterDistribution: []model.ChapterQuota{quota(ch, 3), quota(999, 1), quota(foreign, 1), quota(ch, 1)}, TotalQuestions: 6, TimeLimit: 10},
			problems: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.bp.CertificationID = f.certID
			problems, err := exam.ValidateBlueprint(ctx, f.store, tt.bp)
			if err != nil {
				t.Fatalf("ValidateBlueprint: %v", err)
			}
			if len(problems) != tt.problems {
				t.Errorf("problems = %v, want %d", problems, tt.problems)
			}
		})
	}
}
