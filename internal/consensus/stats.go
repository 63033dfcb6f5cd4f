package consensus

import (
	"math"

	"traitconsensus/internal/domain"
)

// Summarize counts decisions per confidence band, with percentages rounded to
// one decimal place.
func Summarize(decisions []domain.Decision) domain.BandStats {
	s := domain.BandStats{Total: len(decisions)}
	for _, d := range decisions {
		switch d.Confidence {
		case domain.ConfidenceGreen:
			s.Green++
		case domain.ConfidenceYellow:
			s.Yellow++
		default:
			s.Red++
		}
	}
	if s.Total > 0 {
		s.GreenPct = pct(s.Green, s.Total)
		s.YellowPct = pct(s.Yellow, s.Total)
		s.RedPct = pct(s.Red, s.Total)
	}
	return s
}

func pct(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*1000) / 10
}
