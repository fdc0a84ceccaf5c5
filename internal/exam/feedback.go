package exam

import (
	"context"
	"math/rand/v2"
)

// FeedbackFunc picks the remark shown next to a graded question.
type FeedbackFunc func(ctx context.Context, correct bool) string

var (
	correctRemarks = []string{
		"Well done, that is the right answer.",
		"Correct. You have this topic under control.",
		"Exactly right. Keep it up.",
		"Good job, this one is mastered.",
		"Correct answer. Nice work.",
	}
	incorrectRemarks = []string{
		"Not quite. Review this chapter before your next attempt.",
		"This answer is wrong. Go back over the related lesson.",
		"Incorrect. Take another look at the course material on this topic.",
		"Not this time. Revisit the chapter and try again.",
		"Wrong answer. A second reading of this section will help.",
	}
)

// DefaultFeedback picks a remark from a fixed English pool. The choice
// depends only on correctness.
func DefaultFeedback(_ context.Context, correct bool) string {
	pool := incorrectRemarks
	if correct {
		pool = correctRemarks
	}
	return pool[rand.IntN(len(pool))]
}
