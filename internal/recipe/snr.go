package recipe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// NoSNR is the report for layers that were not correlated.
const NoSNR = "SNR: --"

// SNRReport summarizes per-point SNR values as
// "SNR: mean (+-std n:count)  <min  max>".
func SNRReport(snr []float64) string {
	if len(snr) == 0 {
		return NoSNR
	}
	mean, variance := stat.PopMeanVariance(snr, nil)
	return fmt.Sprintf("SNR: %.1f (+-%.1f n:%d)  <%.1f  %.1f>",
		mean, math.Sqrt(variance), len(snr), floats.Min(snr), floats.Max(snr))
}

func meanSNR(snr []float64) float64 {
	if len(snr) == 0 {
		return 0
	}
	return stat.Mean(snr, nil)
}
