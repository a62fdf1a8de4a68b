// Package scoring turns router proposals into routing decisions. It is
// a pure function of its inputs: no clock, no I/O, no randomness.
package scoring

// Candidate is one (agent, raw score) pair proposed by the router.
type Candidate struct {
	Agent string
	Score float64
}

// Outcome tags the decision.
type Outcome string

const (
	OutcomeAccept    Outcome = "accept"
	OutcomeAmbiguous Outcome = "ambiguous"
	OutcomeRefuse    Outcome = "refuse"
)

// Decision is the scored result. Agent is empty only for refusals.
type Decision struct {
	Agent      string
	Confidence float64
	Outcome    Outcome
}

// DefaultThreshold is the acceptance cut when config supplies none.
const DefaultThreshold = 0.5

// Decide picks the winning candidate and classifies it against the
// threshold. Scores clamp to [0,1] before comparison; only the top
// score matters, and equal top scores break by proposal order, first
// listed wins. Ambiguous means some signal below threshold; the caller
// maps it to a clarifying turn or a refusal depending on the winner's
// capabilities.
func Decide(proposal []Candidate, threshold float64) Decision {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if len(proposal) == 0 {
		return Decision{Outcome: OutcomeRefuse}
	}

	best := Candidate{Agent: proposal[0].Agent, Score: clamp(proposal[0].Score)}
	for _, c := range proposal[1:] {
		if s := clamp(c.Score); s > best.Score {
			best = Candidate{Agent: c.Agent, Score: s}
		}
	}

	switch {
	case best.Score >= threshold:
		return Decision{Agent: best.Agent, Confidence: best.Score, Outcome: OutcomeAccept}
	case best.Score > 0:
		return Decision{Agent: best.Agent, Confidence: best.Score, Outcome: OutcomeAmbiguous}
	default:
		return Decision{Confidence: 0, Outcome: OutcomeRefuse}
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
