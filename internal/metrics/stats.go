package metrics

import "time"

// Window accumulates timing stats across multiple training steps.
type Window struct {
	examples int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.examples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.examples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgLoss = w.lossSum / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	AvgLoss        float64
	LastLoss       float64
}

// PrecisionTag is the summary tag of top-1 precision.
const PrecisionTag = "Precision @ 1"

// Precision counts top-1 hits over whole batches. The denominator is the
// number of batches times the batch size, so examples repeated to fill the
// last batch are counted too.
type Precision struct {
	BatchSize int
	correct   int64
	batches   int
}

// Record adds the number of correct predictions of one batch.
func (p *Precision) Record(correct int) {
	p.correct += int64(correct)
	p.batches++
}

// Correct is the running count of correct predictions.
func (p *Precision) Correct() int64 { return p.correct }

// Total is batches * BatchSize.
func (p *Precision) Total() int64 { return int64(p.batches) * int64(p.BatchSize) }

// Value is Correct / Total, or 0 before any batch.
func (p *Precision) Value() float64 {
	total := p.Total()
	if total == 0 {
		return 0
	}
	return float64(p.correct) / float64(total)
}
