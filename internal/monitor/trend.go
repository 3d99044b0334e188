package monitor

// Direction describes where a sampled resource value is heading.
type Direction string

const (
	DirectionRising  Direction = "rising"
	DirectionFalling Direction = "falling"
	DirectionStable  Direction = "stable"
)

// trendSamples is how many of the newest samples the trend looks at.
const trendSamples = 10

// trendTolerance is the relative band around the older half's mean inside
// which the trend reads as stable.
const trendTolerance = 0.10

// trendOf compares the mean of the newer half of the last trendSamples
// values against the mean of the older half. A shift of more than
// trendTolerance either way reads as rising or falling. With fewer than
// trendSamples values there is not enough signal and the trend is stable.
func trendOf(values []float64) Direction {
	if len(values) < trendSamples {
		return DirectionStable
	}
	values = values[len(values)-trendSamples:]

	mid := len(values) / 2
	older := mean(values[:mid])
	newer := mean(values[mid:])

	if older == 0 {
		if newer > 0 {
			return DirectionRising
		}
		return DirectionStable
	}

	switch {
	case newer > older*(1+trendTolerance):
		return DirectionRising
	case newer < older*(1-trendTolerance):
		return DirectionFalling
	default:
		return DirectionStable
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
