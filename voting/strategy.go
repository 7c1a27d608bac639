package voting

// tally recomputes a vote's counts from the full response set. Working
// from every response rather than incrementing keeps totals correct
// when agents re-cast.
func tally(v *Vote, responses []Response) {
	counts := make(map[string]int)
	weighted := make(map[string]float64)
	for _, r := range responses {
		counts[r.Option]++
		weighted[r.Option] += r.Weight * r.Confidence
	}
	v.OptionCounts = counts
	v.WeightedCounts = weighted
}

// winner returns the option that satisfies the vote's strategy, or
// empty when no option has won yet. Callers gate on quorum first.
func winner(v *Vote, responses []Response) string {
	total := len(responses)
	if total == 0 {
		return ""
	}

	switch v.Strategy {
	case SimpleMajority:
		for option, count := range v.OptionCounts {
			if float64(count) > float64(total)/2 {
				return option
			}
		}

	case SuperMajority:
		for option, count := range v.OptionCounts {
			if float64(count) > float64(total)*2/3 {
				return option
			}
		}

	case Weighted:
		var sum, best float64
		var bestOption string
		for option, w := range v.WeightedCounts {
			sum += w
			if w > best {
				best = w
				bestOption = option
			}
		}
		if best > sum/2 {
			return bestOption
		}

	case Consensus:
		var only string
		for option, count := range v.OptionCounts {
			if count == 0 {
				continue
			}
			if only != "" {
				return ""
			}
			only = option
		}
		return only
	}
	return ""
}
