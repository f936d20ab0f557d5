package metrics

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	// EventsFile collects one JSON event per line.
	EventsFile = "events.jsonl"
	// ChartFile is rendered on Close from the last value of every split.
	ChartFile = "precision.png"
)

// Event is one scalar summary.
type Event struct {
	Time  time.Time `json:"time"`
	Step  int64     `json:"step"`
	Split string    `json:"split"`
	Tag   string    `json:"tag"`
	Value float64   `json:"value"`
}

// SummaryWriter appends scalar events to a directory and charts them.
type SummaryWriter struct {
	dir string

	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	splits []string
	last   map[string]float64
}

// ResetDir deletes dir with its contents and creates it again empty.
func ResetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reset %s: %w", dir, err)
	}
	return nil
}

// NewSummaryWriter opens dir/events.jsonl for appending.
func NewSummaryWriter(dir string) (*SummaryWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("summary: mkdir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("summary: open: %w", err)
	}
	return &SummaryWriter{dir: dir, f: f, enc: json.NewEncoder(f), last: map[string]float64{}}, nil
}

// AddScalar records value for split under tag at step.
func (w *SummaryWriter) AddScalar(split, tag string, value float64, step int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := Event{Time: time.Now().UTC(), Step: step, Split: split, Tag: tag, Value: value}
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("summary: write: %w", err)
	}
	if tag == PrecisionTag {
		if _, ok := w.last[split]; !ok {
			w.splits = append(w.splits, split)
		}
		w.last[split] = value
	}
	return nil
}

// Close flushes the events file and renders the precision chart when any
// precision was recorded.
func (w *SummaryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("summary: close: %w", err)
	}
	if len(w.splits) == 0 {
		return nil
	}
	return w.renderChart()
}

func (w *SummaryWriter) renderChart() error {
	p := plot.New()
	p.Title.Text = PrecisionTag
	p.Y.Label.Text = "precision"
	p.Y.Min = 0
	p.Y.Max = 1

	values := make(plotter.Values, len(w.splits))
	for i, s := range w.splits {
		values[i] = w.last[s]
	}
	bars, err := plotter.NewBarChart(values, vg.Points(30))
	if err != nil {
		return fmt.Errorf("summary: chart: %w", err)
	}
	bars.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	p.Add(bars, plotter.NewGrid())
	p.NominalX(w.splits...)

	if err := p.Save(4*vg.Inch, 3*vg.Inch, filepath.Join(w.dir, ChartFile)); err != nil {
		return fmt.Errorf("summary: save chart: %w", err)
	}
	return nil
}
