package verifyengine

import "github.com/optimode/verifyengine/types"

// Result is the verdict for one address.
type Result = types.Result

// Results is a list of verdicts in input order.
type Results []Result

// Counts tallies the results by classification.
func (rs Results) Counts() types.Counts {
	var c types.Counts
	for _, r := range rs {
		c.Add(r.Classification)
	}
	return c
}

// Of returns the results with classification c.
func (rs Results) Of(c Classification) Results {
	var out Results
	for _, r := range rs {
		if r.Classification == c {
			out = append(out, r)
		}
	}
	return out
}

// Retryable returns the results a later probe could still change.
func (rs Results) Retryable() Results {
	var out Results
	for _, r := range rs {
		if !r.Classification.Terminal() {
			out = append(out, r)
		}
	}
	return out
}
