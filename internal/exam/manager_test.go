package exam_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/model"
)

const (
	alice int64 = 1
	bob   int64 = 2
)

// simpleExam sets up one chapter with n one-point single-select questions,
// all drawn into the exam.
func simpleExam(t *testing.T, n int) *fixture {
	t.Helper()
	f := newFixture(t)
	ch := f.chapter(t, "Basics")
	for range n {
		f.question(t, ch, 1, 1)
	}
	f.blueprint(t, 50, quota(ch, n))
	return f
}

func TestStartResumesActiveSession(t *testing.T) {
	f := simpleExam(t, 3)
	ctx := context.Background()

	first, resumed, err := f.mgr.Start(ctx, alice, f.certID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resumed {
		t.Error("first start reported resumed")
	}
	if first.Status != model.StatusActive || !first.ExpiresAt.Equal(f.now.Add(30*time.Minute)) {
		t.Errorf("session = %+v", first)
	}
	if err := f.mgr.SaveAnswer(ctx, alice, first.ID, first.ExamData.Questions[0].QuestionID, []int64{1}); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}

	f.now = f.now.Add(5 * time.Minute)
	second, resumed, err := f.mgr.Start(ctx, alice, f.certID)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !resumed || second.ID != first.ID {
		t.Fatalf("second start = %s (resumed %v), want %s resumed", second.ID, resumed, first.ID)
	}
	if !reflect.DeepEqual(second.ExamData, first.ExamData) {
		t.Error("resumed session has a different exam payload")
	}
	if len(second.Answers[first.ExamData.Questions[0].QuestionID]) != 1 {
		t.Error("resumed session lost its saved answer")
	}

	other, _, err := f.mgr.Start(ctx, bob, f.certID)
	if err != nil {
		t.Fatalf("Start for bob: %v", err)
	}
	if other.ID == first.ID {
		t.Error("two users share one session")
	}
}

func TestConcurrentStartCreatesOneSession(t *testing.T) {
	f := simpleExam(t, 3)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _, err := f.mgr.Start(ctx, alice, f.certID)
			ids[i], errs[i] = sess.ID, err
		}()
	}
	wg.Wait()

	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("workers got different sessions: %v", ids)
		}
	}
}

func TestStartReplacesStaleSession(t *testing.T) {
	f := simpleExam(t, 2)
	ctx := context.Background()

	stale := f.start(t, alice)
	f.now = f.now.Add(31 * time.Minute)

	fresh, resumed, err := f.mgr.Start(ctx, alice, f.certID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resumed || fresh.ID == stale.ID {
		t.Fatalf("expected a new session, got %s (resumed %v)", fresh.ID, resumed)
	}
	old, err := f.store.GetSession(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != model.StatusExpired || old.Score == nil {
		t.Errorf("stale session = %+v, want expired with a score", old)
	}
}

func TestSaveAnswer(t *testing.T) {
	f := simpleExam(t, 2)
	ctx := context.Background()
	sess := f.start(t, alice)
	qID := sess.ExamData.Questions[0].QuestionID

	if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, qID, []int64{2}); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, qID, []int64{3, 1}); err != nil {
		t.Fatalf("SaveAnswer overwrite: %v", err)
	}
	got, _ := f.store.GetSession(ctx, sess.ID)
	if !reflect.DeepEqual(got.Answers[qID], []int64{1, 3}) {
		t.Errorf("answers = %v, want overwrite with [1 3]", got.Answers[qID])
	}

	if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, 9999, []int64{1}); !errors.Is(err, exam.ErrInvalidAnswer) {
		t.Errorf("unknown question: %v, want ErrInvalidAnswer", err)
	}
	if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, qID, []int64{42}); !errors.Is(err, exam.ErrInvalidAnswer) {
		t.Errorf("unknown answer: %v, want ErrInvalidAnswer", err)
	}
	if err := f.mgr.SaveAnswer(ctx, alice, "missing", qID, []int64{1}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown session: %v, want ErrNotFound", err)
	}
}

func TestOwnerCheck(t *testing.T) {
	f := simpleExam(t, 2)
	ctx := context.Background()
	sess := f.start(t, alice)
	qID := sess.ExamData.Questions[0].QuestionID

	if _, err := f.mgr.Status(ctx, bob, sess.ID); !errors.Is(err, exam.ErrUnauthorized) {
		t.Errorf("Status: %v, want ErrUnauthorized", err)
	}
	if err := f.mgr.SaveAnswer(ctx, bob, sess.ID, qID, []int64{1}); !errors.Is(err, exam.ErrUnauthorized) {
		t.Errorf("SaveAnswer: %v, want ErrUnauthorized", err)
	}
	if _, err := f.mgr.Submit(ctx, bob, sess.ID, nil); !errors.Is(err, exam.ErrUnauthorized) {
		t.Errorf("Submit: %v, want ErrUnauthorized", err)
	}

	if _, err := f.mgr.Submit(ctx, alice, sess.ID, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.mgr.Result(ctx, bob, sess.ID); !errors.Is(err, exam.ErrUnauthorized) {
		t.Errorf("Result on a terminal session: %v, want ErrUnauthorized", err)
	}
}

func TestExpiryTransitions(t *testing.T) {
	f := simpleExam(t, 2)
	ctx := context.Background()
	sess := f.start(t, alice)
	qID := sess.ExamData.Questions[0].QuestionID
	if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, qID, f.correctIDs(t, qID)); err != nil {
		t.Fatal(err)
	}

	f.now = sess.ExpiresAt.Add(time.Second)

	if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, qID, []int64{2}); !errors.Is(err, exam.ErrTimeExpired) {
		t.Fatalf("late SaveAnswer: %v, want ErrTimeExpired", err)
	}
	st, err := f.mgr.Status(ctx, alice, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != model.StatusActive || st.RemainingTimeSeconds != 0 {
		t.Errorf("status after late save = %+v, want still active with no time left", st)
	}

	if _, err := f.mgr.Submit(ctx, alice, sess.ID, nil); !errors.Is(err, exam.ErrSessionExpired) {
		t.Fatalf("late Submit: %v, want ErrSessionExpired", err)
	}
	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.Status != model.StatusExpired || got.Score == nil || *got.Score != 50 {
		t.Errorf("session after late submit = %+v, want expired with score 50", got)
	}

	if _, err := f.mgr.Submit(ctx, alice, sess.ID, nil); !errors.Is(err, exam.ErrNotActive) {
		t.Errorf("Submit on expired session: %v, want ErrNotActive", err)
	}
	if ok, err := f.mgr.Expire(ctx, sess.ID); err != nil || ok {
		t.Errorf("Expire on expired session = %v, %v; want no-op", ok, err)
	}
}

func TestSweepExpired(t *testing.T) {
	f := simpleExam(t, 2)
	ctx := context.Background()
	late := f.start(t, alice)
	f.now = f.now.Add(20 * time.Minute)
	onTime := f.start(t, bob)

	f.now = late.ExpiresAt.Add(time.Minute)
	n, err := f.mgr.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("first sweep expired %d sessions, want 1", n)
	}
	before, _ := f.store.GetSession(ctx, late.ID)

	n, err = f.mgr.SweepExpired(ctx)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v; want 0", n, err)
	}
	after, _ := f.store.GetSession(ctx, late.ID)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("second sweep changed the session: %+v -> %+v", before, after)
	}
	if after.Status != model.StatusExpired || after.Score == nil || *after.Score != 0 {
		t.Errorf("swept session = %+v", after)
	}

	running, _ := f.store.GetSession(ctx, onTime.ID)
	if running.Status != model.StatusActive {
		t.Errorf("session within its deadline was swept: %+v", running)
	}
}

func TestSubmitClosesSession(t *testing.T) {
	f := simpleExam(t, 2)
	ctx := context.Background()
	sess := f.start(t, alice)
	q := sess.ExamData.Questions

	res, err := f.mgr.Submit(ctx, alice, sess.ID, model.AnswerSheet{
		q[0].QuestionID: f.correctIDs(t, q[0].QuestionID),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != model.StatusSubmitted || res.Score != 50 || res.CorrectAnswers != 1 {
		t.Errorf("result = %+v", res)
	}
	if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, q[1].QuestionID, []int64{1}); !errors.Is(err, exam.ErrNotActive) {
		t.Errorf("SaveAnswer after submit: %v, want ErrNotActive", err)
	}
	if _, err := f.mgr.Submit(ctx, alice, sess.ID, nil); !errors.Is(err, exam.ErrNotActive) {
		t.Errorf("second Submit: %v, want ErrNotActive", err)
	}
}

func TestResultRequiresTerminalSession(t *testing.T) {
	f := simpleExam(t, 1)
	ctx := context.Background()
	sess := f.start(t, alice)

	if _, err := f.mgr.Result(ctx, alice, sess.ID); !errors.Is(err, exam.ErrStillActive) {
		t.Errorf("Result on active session: %v, want ErrStillActive", err)
	}
	submitted, err := f.mgr.Submit(ctx, alice, sess.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.mgr.Result(ctx, alice, sess.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if again.Score != submitted.Score || again.AttemptNumber != submitted.AttemptNumber {
		t.Errorf("Result = %+v, want it to match the submission %+v", again, submitted)
	}
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.chapter(t, "Fundamentals")
	q1 := f.question(t, ch, 1, 1)
	q2 := f.question(t, ch, 2, 2)
	q3 := f.question(t, ch, 3, 3)
	f.blueprint(t, 50, quota(ch, 3))

	sess := f.start(t, alice)
	for _, q := range []int64{q1, q2, q3} {
		if err := f.mgr.SaveAnswer(ctx, alice, sess.ID, q, f.correctIDs(t, q)); err != nil {
			t.Fatalf("SaveAnswer(%d): %v", q, err)
		}
	}
	res, err := f.mgr.Submit(ctx, alice, sess.ID, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score != 100.0 || !res.Passed || res.CorrectAnswers != 3 || res.Status != model.StatusSubmitted {
		t.Errorf("first result = %+v", res)
	}
	if res.CertificationName != "Go Developer" || res.PassingScore != 50 || res.TotalPoints != 6 || res.AttemptNumber != 1 {
		t.Errorf("first result header = %+v", res)
	}
	if res.CompletedAt == nil || !res.CompletedAt.Equal(f.now) {
		t.Errorf("CompletedAt = %v, want %v", res.CompletedAt, f.now)
	}
	for _, qr := range res.Questions {
		if !qr.IsCorrect || qr.Feedback != "good" || qr.UserAnswer != qr.CorrectAnswer {
			t.Errorf("question result = %+v", qr)
		}
	}

	f.now = f.now.Add(time.Hour)
	sess = f.start(t, alice)
	answers := model.AnswerSheet{
		q1: f.correctIDs(t, q1),
		q2: f.correctIDs(t, q2),
		q3: f.wrongIDs(t, q3),
	}
	res, err = f.mgr.Submit(ctx, alice, sess.ID, answers)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if res.Score != 50.0 || !res.Passed || res.CorrectAnswers != 2 || res.EarnedPoints != 3 {
		t.Errorf("second result = %+v, want 50.0 passed at the threshold", res)
	}
	if res.AttemptNumber != 2 {
		t.Errorf("AttemptNumber = %d, want 2", res.AttemptNumber)
	}
	for _, qr := range res.Questions {
		if qr.QuestionID == q3 && (qr.IsCorrect || qr.PointsEarned != 0 || qr.PointsPossible != 3 || qr.Feedback != "review") {
			t.Errorf("wrong answer breakdown = %+v", qr)
		}
	}
}

func TestAttemptNumbering(t *testing.T) {
	f := simpleExam(t, 1)
	ctx := context.Background()

	first := f.start(t, alice)
	if _, err := f.mgr.Submit(ctx, alice, first.ID, nil); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(time.Hour)
	second := f.start(t, alice)
	f.now = second.ExpiresAt.Add(time.Second)
	if n, err := f.mgr.SweepExpired(ctx); err != nil || n != 1 {
		t.Fatalf("SweepExpired = %d, %v", n, err)
	}

	f.now = f.now.Add(time.Hour)
	third := f.start(t, alice)
	res, err := f.mgr.Submit(ctx, alice, third.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.AttemptNumber != 3 {
		t.Errorf("AttemptNumber = %d, want 3", res.AttemptNumber)
	}

	attempts, err := f.mgr.Attempts(ctx, alice, f.certID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 || attempts[0].ID != third.ID {
		t.Errorf("Attempts = %d sessions, newest %v", len(attempts), attempts)
	}
}

func TestSweeper(t *testing.T) {
	if _, err := exam.NewSweeper(nil, "not a schedule"); err == nil {
		t.Error("expected an error for an invalid schedule")
	}

	f := simpleExam(t, 1)
	sess := f.start(t, alice)
	f.now = sess.ExpiresAt.Add(time.Second)

	jobs := 0
	sw, err := exam.NewSweeper(f.mgr, "@every 1h", func(context.Context) error {
		jobs++
		return nil
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	n, err := sw.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Errorf("RunOnce = %d, %v; want 1", n, err)
	}
	if jobs != 1 {
		t.Errorf("extra job ran %d times, want 1", jobs)
	}
}

func TestSubmitRejectsInvalidSheetWithoutSaving(t *testing.T) {
	f := simpleExam(t, 2)
	ctx := context.Background()
	sess := f.start(t, alice)
	q := sess.ExamData.Questions

	_, err := f.mgr.Submit(ctx, alice, sess.ID, model.AnswerSheet{
		q[0].QuestionID: f.correctIDs(t, q[0].QuestionID),
		q[1].QuestionID: {99},
	})
	if !errors.Is(err, exam.ErrInvalidAnswer) {
		t.Fatalf("Submit: %v, want ErrInvalidAnswer", err)
	}
	got, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if n := got.AnsweredCount(); n != 0 {
		t.Errorf("answered = %d, want 0: no part of a rejected sheet may be saved", n)
	}
}

type unavailableCerts struct{}

func (unavailableCerts) GetCertification(context.Context, int64) (model.Certification, error) {
	return model.Certification{}, errors.New("certification store unavailable")
}

func TestSubmitKeepsSessionActiveWhenResultCannotBeBuilt(t *testing.T) {
	f := simpleExam(t, 1)
	ctx := context.Background()
	mgr := exam.NewManager(f.gen, f.store, unavailableCerts{})
	mgr.SetClock(func() time.Time { return f.now })

	sess, _, err := mgr.Start(ctx, alice, f.certID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := mgr.Submit(ctx, alice, sess.ID, nil); err == nil {
		t.Fatal("Submit succeeded without a certification")
	}
	got, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusActive || got.Score != nil {
		t.Errorf("session = %s score %v, want it still active and unscored", got.Status, got.Score)
	}

	// The regular manager can still submit it.
	if _, err := f.mgr.Submit(ctx, alice, sess.ID, nil); err != nil {
		t.Errorf("Submit with certification available: %v", err)
	}
}

func TestSweeperStopWaitsForRunningSweep(t *testing.T) {
	f := simpleExam(t, 1)

	started := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	finished := false
	sw, err := exam.NewSweeper(f.mgr, "@every 1s", func(context.Context) error {
		once.Do(func() { close(started) })
		time.Sleep(200 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sw.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		sw.Stop()
		t.Fatal("scheduled sweep did not start")
	}
	sw.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("Stop returned while a sweep was still running")
	}
}
