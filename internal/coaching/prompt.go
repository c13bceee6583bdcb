package coaching

import (
	"fmt"
	"strconv"
	"strings"

	"yuzu/coach/internal/emotion"
	"yuzu/coach/internal/speech"
	"yuzu/coach/internal/types"
)

// SystemPrompt instructs the model on the report shape and scoring scale.
const SystemPrompt = `You are an expert sales coach analyzing a practice sales call.
You will receive:
1. The full transcript of the call
2. Speech metrics (WPM, filler words, talk-listen ratio, etc.)
3. Emotion/tone analysis from voice prosody

Provide a detailed coaching report in the following JSON format:
{
    "overall_score": <0-100 integer>,
    "tone_summary": "<2-3 sentence summary of the salesperson's tone and delivery>",
    "key_moments": [
        {
            "type": "strength" or "needs_work",
            "description": "<what happened>",
            "suggestion": "<actionable advice>"
        }
    ],
    "recommendations": ["<specific actionable recommendation>", ...],
    "strengths": ["<observed strength>", ...],
    "areas_for_improvement": ["<specific area>", ...]
}

Scoring guide:
- 90-100: Exceptional - masterful rapport, perfect objection handling, strong close
- 70-89: Good - solid fundamentals with minor areas to improve
- 40-69: Developing - shows promise but needs work on key areas
- 0-39: Needs significant improvement - major gaps in technique

Be specific, actionable, and encouraging. Reference specific moments from the transcript.`

// BuildPrompt renders the user message for one call.
func BuildPrompt(persona string, t *types.Transcript, m speech.Metrics, e emotion.Summary) string {
	var b strings.Builder

	b.WriteString("## Call Context\n")
	fmt.Fprintf(&b, "Persona: %s\n\n", persona)

	b.WriteString("## Transcript\n")
	if t != nil {
		lines := make([]string, 0, len(t.Messages))
		for _, u := range t.Messages {
			role := u.Role
			if role == "" {
				role = "unknown"
			}
			lines = append(lines, fmt.Sprintf("[%s]: %s", strings.ToUpper(role), u.Text))
		}
		b.WriteString(strings.Join(lines, "\n"))
	}
	b.WriteString("\n\n")

	b.WriteString("## Speech Metrics\n")
	fmt.Fprintf(&b, "- Words per minute: %s (%s)\n", num(m.WordsPerMinute), m.WPMAssessment)
	fmt.Fprintf(&b, "- Filler words: %d total (%s/min)\n", m.FillerWords.Total, num(m.FillerWords.PerMinute))
	fmt.Fprintf(&b, "- Talk-listen ratio: User %s%% / Prospect %s%%\n",
		num(m.TalkListenRatio.UserPercent), num(m.TalkListenRatio.ProspectPercent))
	fmt.Fprintf(&b, "- Questions asked: %d\n", m.QuestionsAsked)
	fmt.Fprintf(&b, "- Longest monologue: %d words\n\n", m.LongestMonologueWords)

	b.WriteString("## Emotion Analysis\n")
	fmt.Fprintf(&b, "- Dimension averages: %s\n", averagesJSON(e.DimensionAverages))
	fmt.Fprintf(&b, "- Dominant emotions: %s\n\n", dominantJSON(e.DominantEmotions))

	b.WriteString("Please provide your coaching analysis in the specified JSON format.")
	return b.String()
}

// averagesJSON writes the averages as indented JSON in dimension order.
func averagesJSON(avg map[string]float64) string {
	if len(avg) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteString("{\n")
	first := true
	for _, d := range emotion.Dimensions {
		v, ok := avg[d.Name]
		if !ok {
			continue
		}
		if !first {
			b.WriteString(",\n")
		}
		first = false
		fmt.Fprintf(&b, "  %q: %s", d.Name, num(v))
	}
	b.WriteString("\n}")
	return b.String()
}

func dominantJSON(ds []emotion.Dominant) string {
	if len(ds) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteString("[\n")
	for i, d := range ds {
		fmt.Fprintf(&b, "  {\n    \"dimension\": %q,\n    \"score\": %s\n  }", d.Dimension, num(d.Score))
		if i < len(ds)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("]")
	return b.String()
}

// num prints whole floats with one decimal ("50.0") and others in shortest form.
func num(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
