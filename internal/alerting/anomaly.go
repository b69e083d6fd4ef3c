package alerting

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/talkincode/chippool/internal/domain"
)

// MinAnomalySample is the smallest pool slice scored for outliers.
const MinAnomalySample = 5

type metric struct {
	name  string
	value func(c *domain.Chip) float64
}

var anomalyMetrics = []metric{
	{"error rate", func(c *domain.Chip) float64 { return c.ErrorRate() }},
	{"messages today", func(c *domain.Chip) float64 { return float64(c.MessagesToday) }},
}

// ModifiedZScores scores each value against the median of data using the
// median absolute deviation. When the MAD is zero the mean absolute
// deviation is used instead; a sample without spread scores all zeros.
func ModifiedZScores(data []float64) ([]float64, error) {
	scores := make([]float64, len(data))
	median, err := stats.Median(data)
	if err != nil {
		return nil, err
	}
	mad, err := stats.MedianAbsoluteDeviation(data)
	if err != nil {
		return nil, err
	}
	var scale float64
	if mad > 0 {
		scale = 0.6745 / mad
	} else {
		devs := make(stats.Float64Data, len(data))
		for i, v := range data {
			devs[i] = math.Abs(v - median)
		}
		meanAD, err := devs.Mean()
		if err != nil {
			return nil, err
		}
		if meanAD == 0 {
			return scores, nil
		}
		scale = 1 / (1.253314 * meanAD)
	}
	for i, v := range data {
		scores[i] = (v - median) * scale
	}
	return scores, nil
}

// DetectAnomalies flags chips whose error rate or daily volume is a high
// outlier of the given sample. Chips below the threshold get a non-firing
// finding so an open anomaly alert can be resolved.
func DetectAnomalies(chips []domain.Chip, threshold float64) map[string]Finding {
	out := make(map[string]Finding, len(chips))
	if len(chips) < MinAnomalySample || threshold <= 0 {
		return out
	}
	for i := range chips {
		out[chips[i].ID] = Finding{Type: domain.AlertComportamentoAnomalo}
	}
	for _, m := range anomalyMetrics {
		data := make([]float64, len(chips))
		for i := range chips {
			data[i] = m.value(&chips[i])
		}
		scores, err := ModifiedZScores(data)
		if err != nil {
			continue
		}
		for i, z := range scores {
			id := chips[i].ID
			if z < threshold || (out[id].Fires && out[id].Value >= z) {
				continue
			}
			fd := fire(domain.SeverityAtencao, z, "Compare this chip's traffic with the pool and check for misuse.",
				"%s %.1f is an outlier of the pool (modified z-score %.1f)", m.name, data[i], z)
			fd.Type = domain.AlertComportamentoAnomalo
			out[id] = fd
		}
	}
	return out
}
