package i18n

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// feedbackVariants is the number of FeedbackCorrectN and FeedbackIncorrectN
// messages in each locale file.
const feedbackVariants = 5

// Feedback picks a localized remark for a graded question. The pick depends
// only on correctness.
func Feedback(ctx context.Context, correct bool) string {
	prefix := "FeedbackIncorrect"
	if correct {
		prefix = "FeedbackCorrect"
	}
	return T(ctx, fmt.Sprintf("%s%d", prefix, rand.IntN(feedbackVariants)+1))
}
