package server

const (
	testTypeASRS = "asrs"
	testTypeGAD7 = "gad7"
	testTypePHQ9 = "phq9"
)

// scoreASRS computes the ADHD self-report score. Part A carries the
// screening weight: four or more part A answers at 3 ("often") or above
// flag high risk. The numeric score is the percentage of the maximum
// attainable across all eighteen answers.
func scoreASRS(partA, partB []int) (float64, string) {
	if len(partA) == 0 && len(partB) == 0 {
		return 0, "no answers to analyze"
	}

	riskCount := 0
	sum := 0
	for _, v := range partA {
		if v >= 3 {
			riskCount++
		}
		sum += v
	}
	for _, v := range partB {
		sum += v
	}

	interpretation := "low ADHD risk"
	if riskCount >= 4 {
		interpretation = "high ADHD risk"
	}
	score := 100 * float64(sum) / float64(18*4)
	return score, interpretation
}

// scoreGAD7 sums the seven anxiety answers (0-3 each, max 21).
func scoreGAD7(answers []int) (float64, string) {
	sum := 0
	for _, v := range answers {
		sum += v
	}
	switch {
	case sum <= 4:
		return float64(sum), "minimal anxiety"
	case sum <= 9:
		return float64(sum), "mild anxiety"
	case sum <= 14:
		return float64(sum), "moderate anxiety"
	default:
		return float64(sum), "severe anxiety"
	}
}

// scorePHQ9 sums the nine depression answers (0-3 each, max 27).
func scorePHQ9(answers []int) (float64, string) {
	sum := 0
	for _, v := range answers {
		sum += v
	}
	switch {
	case sum <= 4:
		return float64(sum), "no depression"
	case sum <= 9:
		return float64(sum), "mild depression"
	case sum <= 14:
		return float64(sum), "moderate depression"
	case sum <= 19:
		return float64(sum), "moderately severe depression"
	default:
		return float64(sum), "severe depression"
	}
}
