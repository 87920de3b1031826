package protection

import "time"

// Trend is a regression fit over the recent memory sample history
type Trend struct {
	SlopeMBPerMin float64 `json:"slope_mb_per_min"`
	RSquared      float64 `json:"r_squared"`
	LeakSuspected bool    `json:"is_leak_suspected"`
	SampleCount   int     `json:"sample_count"`
}

// minTrendSamples is the minimum history needed for a meaningful fit
const minTrendSamples = 5

// DetectMemoryLeak fits a least-squares line through the sample history.
// A leak is suspected only when the slope exceeds the configured rate AND
// the fit quality is high enough; either alone is treated as noise.
func (p *RestartProtection) DetectMemoryLeak() Trend {
	p.mu.Lock()
	samples := make([]MemorySample, len(p.samples))
	copy(samples, p.samples)
	p.mu.Unlock()

	if len(samples) < minTrendSamples {
		return Trend{SampleCount: len(samples)}
	}

	slope, r2 := linearFit(samples)
	return Trend{
		SlopeMBPerMin: slope,
		RSquared:      r2,
		LeakSuspected: slope > p.opts.LeakSlopeMBPerMin && r2 > p.opts.LeakMinRSquared,
		SampleCount:   len(samples),
	}
}

// linearFit computes the least-squares slope (MB per minute) and the
// coefficient of determination over timestamped samples
func linearFit(samples []MemorySample) (slopeMBPerMin, rSquared float64) {
	n := float64(len(samples))
	origin := samples[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.Timestamp.Sub(origin).Minutes()
		y := s.RSSMB
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	// r² = 1 - SSres/SStot
	meanY := sumY / n
	var ssRes, ssTot float64
	for _, s := range samples {
		x := s.Timestamp.Sub(origin).Minutes()
		predicted := intercept + slope*x
		ssRes += (s.RSSMB - predicted) * (s.RSSMB - predicted)
		ssTot += (s.RSSMB - meanY) * (s.RSSMB - meanY)
	}
	if ssTot == 0 {
		// Perfectly flat series: no variance to explain
		return slope, 0
	}
	return slope, 1 - ssRes/ssTot
}

// TrendWindow returns the time span covered by the current sample history
func (p *RestartProtection) TrendWindow() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.samples) < 2 {
		return 0
	}
	return p.samples[len(p.samples)-1].Timestamp.Sub(p.samples[0].Timestamp)
}
