package trust

import (
	"fmt"
	"math"

	"github.com/talkincode/chippool/internal/domain"
)

const (
	BanDelta              = -30
	ActivityExecutedDelta = 1
	ActivityFailedDelta   = -2
	maxMetricPenalty      = 20
)

func penalty(excess, factor float64) int {
	if excess <= 0 {
		return 0
	}
	d := int(math.Ceil(excess * factor))
	if d > maxMetricPenalty {
		d = maxMetricPenalty
	}
	return -d
}

// ErrorRatePenalty is the delta for a 24h error rate above warning.
func ErrorRatePenalty(rate, warning float64) int {
	return penalty(rate-warning, 0.5)
}

func BlockRatePenalty(rate, warning float64) int {
	return penalty(rate-warning, 1.0)
}

// DeliveryPenalty is the delta for a delivery rate below warning.
func DeliveryPenalty(rate, warning float64) int {
	return penalty(warning-rate, 0.3)
}

// MetricDelta sums the rate penalties of a chip. Chips below the minimum
// sample size are not penalized.
func MetricDelta(chip *domain.Chip, t domain.AlertThresholds) (int, string) {
	if chip.MessagesLast24h < t.MinSampleSize {
		return 0, ""
	}
	var (
		total int
		desc  string
	)
	add := func(d int, format string, v float64) {
		if d == 0 {
			return
		}
		total += d
		if desc != "" {
			desc += "; "
		}
		desc += fmt.Sprintf(format, v)
	}
	add(ErrorRatePenalty(chip.ErrorRate(), t.ErrorRateWarning), "error rate %.1f%%", chip.ErrorRate())
	add(BlockRatePenalty(chip.BlockRate, t.BlockRateWarning), "block rate %.1f%%", chip.BlockRate)
	add(DeliveryPenalty(chip.DeliveryRate, t.DeliveryRateWarning), "delivery rate %.1f%%", chip.DeliveryRate)
	return total, desc
}
