package scoring

import "testing"

func TestDecideThresholdBoundary(t *testing.T) {
	tests := []struct {
		name    string
		score   float64
		outcome Outcome
	}{
		{"exactly at threshold accepts", 0.5, OutcomeAccept},
		{"just below threshold is ambiguous", 0.4999, OutcomeAmbiguous},
		{"well above threshold accepts", 0.9, OutcomeAccept},
		{"zero refuses", 0, OutcomeRefuse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide([]Candidate{{Agent: "a", Score: tt.score}}, 0.5)
			if d.Outcome != tt.outcome {
				t.Errorf("score %v: outcome = %s, want %s", tt.score, d.Outcome, tt.outcome)
			}
		})
	}
}

func TestDecideEmptyProposalRefuses(t *testing.T) {
	d := Decide(nil, 0.5)
	if d.Outcome != OutcomeRefuse || d.Agent != "" {
		t.Errorf("empty proposal: got %+v", d)
	}
}

func TestDecideClampsScores(t *testing.T) {
	d := Decide([]Candidate{{Agent: "hot", Score: 3.7}}, 0.5)
	if d.Confidence != 1 || d.Outcome != OutcomeAccept {
		t.Errorf("overscored candidate: got %+v", d)
	}
	d = Decide([]Candidate{{Agent: "cold", Score: -2}}, 0.5)
	if d.Outcome != OutcomeRefuse {
		t.Errorf("negative score must clamp to zero and refuse: got %+v", d)
	}
}

func TestDecideTieBreaksByOrder(t *testing.T) {
	proposal := []Candidate{
		{Agent: "first", Score: 0.8},
		{Agent: "second", Score: 0.8},
	}
	d := Decide(proposal, 0.5)
	if d.Agent != "first" {
		t.Errorf("tie must go to first listed, got %q", d.Agent)
	}
}

func TestDecidePicksHighest(t *testing.T) {
	proposal := []Candidate{
		{Agent: "low", Score: 0.3},
		{Agent: "high", Score: 0.7},
		{Agent: "mid", Score: 0.5},
	}
	d := Decide(proposal, 0.5)
	if d.Agent != "high" || d.Confidence != 0.7 {
		t.Errorf("got %+v, want high at 0.7", d)
	}
}

func TestDecideDeterministic(t *testing.T) {
	proposal := []Candidate{
		{Agent: "a", Score: 0.45},
		{Agent: "b", Score: 0.45},
	}
	first := Decide(proposal, 0.5)
	for i := 0; i < 100; i++ {
		if got := Decide(proposal, 0.5); got != first {
			t.Fatalf("decision changed across calls: %+v vs %+v", got, first)
		}
	}
	if first.Outcome != OutcomeAmbiguous || first.Agent != "a" {
		t.Errorf("got %+v", first)
	}
}

func TestDecideInvalidThresholdFallsBack(t *testing.T) {
	d := Decide([]Candidate{{Agent: "a", Score: 0.6}}, -1)
	if d.Outcome != OutcomeAccept {
		t.Errorf("invalid threshold should fall back to default 0.5: got %+v", d)
	}
}
