package report

import (
	"strconv"

	"github.com/studiowebux/loadramp/internal/stresstest"
)

// Point is one labelled value of a chart series
type Point struct {
	Label string  `json:"label" yaml:"label"`
	Value float64 `json:"value" yaml:"value"`
}

// Series is the chart data for a finished run
type Series struct {
	Backends []Point                    `json:"backends" yaml:"backends"`
	Latency  []Point                    `json:"latency" yaml:"latency"`
	Outcomes []Point                    `json:"outcomes" yaml:"outcomes"`
	Retries  []Point                    `json:"retries" yaml:"retries"`
	Timeline []stresstest.TimelinePoint `json:"timeline" yaml:"timeline"`
}

// BuildSeries derives chart series from the final snapshot and the sampled timeline
func BuildSeries(snap *stresstest.Snapshot, timeline []stresstest.TimelinePoint) (*Series, error) {
	if snap == nil {
		return nil, ErrNilSnapshot
	}

	s := &Series{
		Outcomes: []Point{
			{Label: "success", Value: float64(snap.SuccessCount)},
			{Label: "failure", Value: float64(snap.FailureCount)},
		},
		Timeline: timeline,
	}
	for _, name := range snap.SortedBackends() {
		s.Backends = append(s.Backends, Point{Label: name, Value: float64(snap.Backends[name])})
	}
	for _, b := range snap.Buckets {
		s.Latency = append(s.Latency, Point{Label: b.Label, Value: float64(b.Count)})
	}
	for i, c := range snap.RetryCounts {
		s.Retries = append(s.Retries, Point{Label: retryLabel(i), Value: float64(c)})
	}
	if s.Timeline == nil {
		s.Timeline = []stresstest.TimelinePoint{}
	}
	return s, nil
}

func retryLabel(i int) string {
	switch i {
	case 0:
		return "0 retries"
	case 1:
		return "1 retry"
	default:
		return strconv.Itoa(i) + " retries"
	}
}
