package audiostream

// DriftStats accumulates running statistics about a stream's observed
// clock drift and the amplitude compensation the mixer applied in
// response. Purely for observability (spec §4.D) — nothing reads these to
// make mixing decisions.
type DriftStats struct {
	MaxDriftSeconds  float64
	SumDriftSeconds  float64
	DriftSampleCount int

	MaxCompensation   float64
	SumCompensation   float64
	CompensationCount int
}

// UpdateDrift records one observed |drift| sample, in seconds.
func (d *DriftStats) UpdateDrift(absDriftSeconds float64) {
	if absDriftSeconds > d.MaxDriftSeconds {
		d.MaxDriftSeconds = absDriftSeconds
	}
	d.SumDriftSeconds += absDriftSeconds
	d.DriftSampleCount++
}

// UpdateCompensation records an applied compensation factor, but only when
// it's meaningfully away from 1.0 (spec: "recorded only when |c-1| > 1e-4"),
// so a stream that's perfectly in sync doesn't dilute the average with a
// stream of 1.0s.
func (d *DriftStats) UpdateCompensation(c float64) {
	delta := c - 1
	if delta < 0 {
		delta = -delta
	}
	if delta <= 1e-4 {
		return
	}

	away := delta
	if away > d.MaxCompensation {
		d.MaxCompensation = away
	}
	d.SumCompensation += away
	d.CompensationCount++
}

// AverageDriftSeconds returns the mean of all recorded |drift| samples.
func (d *DriftStats) AverageDriftSeconds() float64 {
	if d.DriftSampleCount == 0 {
		return 0
	}
	return d.SumDriftSeconds / float64(d.DriftSampleCount)
}

// AverageCompensation returns the mean magnitude of non-trivial applied
// compensation.
func (d *DriftStats) AverageCompensation() float64 {
	if d.CompensationCount == 0 {
		return 0
	}
	return d.SumCompensation / float64(d.CompensationCount)
}
