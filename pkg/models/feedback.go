package models

import "time"

// FeedbackOutcome is the polarity of a feedback entry.
type FeedbackOutcome string

const (
	FeedbackPositive FeedbackOutcome = "positive"
	FeedbackNegative FeedbackOutcome = "negative"
)

// ValidFeedbackOutcome reports whether s names a known outcome.
func ValidFeedbackOutcome(s string) bool {
	switch FeedbackOutcome(s) {
	case FeedbackPositive, FeedbackNegative:
		return true
	}
	return false
}

// Feedback is one end-user rating of a run. At most one entry exists
// per (run_id, user_id); later writes replace earlier ones.
type Feedback struct {
	RunID     string          `json:"run_id"`
	UserID    string          `json:"user_id,omitempty"`
	Outcome   FeedbackOutcome `json:"outcome"`
	Comment   string          `json:"comment,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
