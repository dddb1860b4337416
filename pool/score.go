package pool

// Scoring weights for the fallback victim selection. Negative weights are
// penalties: a buffer another component depends on costs more to steal than
// an idle one. The weights only matter relative to each other.
const (
	// ScoreShared penalizes buffers referenced by more than one consumer.
	ScoreShared = -3

	// ScoreUsedThisFrame penalizes buffers already handed out during the
	// current frame.
	ScoreUsedThisFrame = -2

	// ScoreUsedRecently penalizes buffers used within the recency window.
	ScoreUsedRecently = -1

	// ScoreConfigMatch favors buffers whose configuration already matches
	// the request, since they can be shared without reallocation.
	ScoreConfigMatch = 1
)

// ScoreFunc ranks a fallback candidate for a dequeue request. The pool
// steals the highest-scoring record; ties resolve to the lowest index.
// Policies run with the pool lock held and must not call into the pool.
type ScoreFunc func(st Status, req Request) int

// DefaultScore is the stock policy: prefer idle, unshared, config-matching
// buffers.
func DefaultScore(st Status, req Request) int {
	score := 0
	if st.Shared {
		score += ScoreShared
	}
	if st.UsedThisFrame {
		score += ScoreUsedThisFrame
	}
	if st.UsedRecently {
		score += ScoreUsedRecently
	}
	if st.Matches(req) {
		score += ScoreConfigMatch
	}
	return score
}
