// Package emotion folds raw vocal-prosody readings into coaching dimensions.
package emotion

import (
	"encoding/json"
	"math"
	"sort"

	"yuzu/coach/internal/types"
)

// Dimension is a coaching category derived from a fixed set of raw labels.
type Dimension struct {
	Name   string
	Labels []string
}

// Dimensions in declaration order. Ties in the dominant ranking keep this order.
var Dimensions = []Dimension{
	{Name: "Confidence", Labels: []string{"Determination", "Confidence", "Conviction"}},
	{Name: "Enthusiasm", Labels: []string{"Excitement", "Joy", "Interest"}},
	{Name: "Hesitation", Labels: []string{"Doubt", "Confusion", "Anxiety"}},
	{Name: "Empathy", Labels: []string{"Sympathy", "Compassion", "Understanding"}},
	{Name: "Frustration", Labels: []string{"Anger", "Annoyance", "Contempt"}},
}

type Dominant struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
}

// TimelinePoint is one user reading's per-dimension scores. It marshals flat:
// {"index":0,"timestamp":1.5,"Confidence":0.4,...}.
type TimelinePoint struct {
	Index     int
	Timestamp *float64
	Scores    map[string]float64
}

func (p TimelinePoint) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Scores)+2)
	for k, v := range p.Scores {
		out[k] = v
	}
	out["index"] = p.Index
	out["timestamp"] = p.Timestamp
	return json.Marshal(out)
}

type Summary struct {
	DimensionAverages map[string]float64 `json:"dimension_averages"`
	DominantEmotions  []Dominant         `json:"dominant_emotions"`
	Timeline          []TimelinePoint    `json:"timeline"`
	TotalReadings     int                `json:"total_readings"`
}

// Empty is the summary for telemetry with no user readings.
func Empty() Summary {
	avg := make(map[string]float64, len(Dimensions))
	for _, d := range Dimensions {
		avg[d.Name] = 0
	}
	return Summary{
		DimensionAverages: avg,
		DominantEmotions:  []Dominant{},
		Timeline:          []TimelinePoint{},
	}
}

// Summarize aggregates the user-role readings of data. It never fails.
func Summarize(data *types.EmotionData) Summary {
	if data == nil {
		return Empty()
	}
	var readings []types.ProsodyReading
	for _, r := range data.ProsodyScores {
		if r.Role == types.RoleUser {
			readings = append(readings, r)
		}
	}
	if len(readings) == 0 {
		return Empty()
	}

	sums := make([]float64, len(Dimensions))
	counts := make([]int, len(Dimensions))
	timeline := make([]TimelinePoint, 0, len(readings))

	for i, r := range readings {
		p := TimelinePoint{Index: i, Timestamp: r.Timestamp, Scores: make(map[string]float64, len(Dimensions))}
		for j, d := range Dimensions {
			v, ok := readingScore(r.Emotions, d.Labels)
			if ok {
				sums[j] += v
				counts[j]++
				p.Scores[d.Name] = round3(v)
			} else {
				p.Scores[d.Name] = 0
			}
		}
		timeline = append(timeline, p)
	}

	s := Summary{
		DimensionAverages: make(map[string]float64, len(Dimensions)),
		Timeline:          timeline,
		TotalReadings:     len(readings),
	}
	ranked := make([]Dominant, 0, len(Dimensions))
	for j, d := range Dimensions {
		avg := 0.0
		if counts[j] > 0 {
			avg = round3(sums[j] / float64(counts[j]))
		}
		s.DimensionAverages[d.Name] = avg
		ranked = append(ranked, Dominant{Dimension: d.Name, Score: avg})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Score > ranked[b].Score })
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	s.DominantEmotions = ranked
	return s
}

// readingScore averages the labels present in emotions; ok is false when none are.
func readingScore(emotions map[string]float64, labels []string) (float64, bool) {
	var sum float64
	var n int
	for _, l := range labels {
		if v, ok := emotions[l]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
