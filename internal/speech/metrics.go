// Package speech derives pacing and delivery statistics from a call transcript.
package speech

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"yuzu/coach/internal/types"
)

const (
	AssessNoData = "no_data"

	PaceTooSlow = "too_slow"
	PaceIdeal   = "ideal"
	PaceTooFast = "too_fast"

	TalkTooQuiet       = "too_quiet"
	TalkIdeal          = "ideal"
	TalkTalkingTooMuch = "talking_too_much"
)

// Fillers is the fixed catalog of filler phrases, matched as whole words.
var Fillers = []string{
	"um", "uh", "uh-huh", "like", "you know", "basically", "actually",
	"literally", "honestly", "right", "so", "well", "i mean", "sort of",
	"kind of",
}

var fillerPatterns = compileFillers(Fillers)

type fillerPattern struct {
	phrase string
	re     *regexp.Regexp
}

func compileFillers(phrases []string) []fillerPattern {
	out := make([]fillerPattern, 0, len(phrases))
	for _, p := range phrases {
		out = append(out, fillerPattern{phrase: p, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`)})
	}
	return out
}

type FillerWords struct {
	Total     int            `json:"total"`
	PerMinute float64        `json:"per_minute"`
	Breakdown map[string]int `json:"breakdown"`
}

type TalkListenRatio struct {
	UserPercent     float64 `json:"user_percent"`
	ProspectPercent float64 `json:"prospect_percent"`
	Assessment      string  `json:"assessment"`
}

type MessageCount struct {
	User      int `json:"user"`
	Assistant int `json:"assistant"`
}

type Metrics struct {
	WordsPerMinute        float64         `json:"words_per_minute"`
	WPMAssessment         string          `json:"wpm_assessment"`
	TotalUserWords        int             `json:"total_user_words"`
	TotalAssistantWords   int             `json:"total_assistant_words"`
	FillerWords           FillerWords     `json:"filler_words"`
	TalkListenRatio       TalkListenRatio `json:"talk_listen_ratio"`
	LongestMonologueWords int             `json:"longest_monologue_words"`
	QuestionsAsked        int             `json:"questions_asked"`
	MessageCount          MessageCount    `json:"message_count"`
}

// Empty is the result for a transcript with no utterances or a non-positive duration.
func Empty() Metrics {
	return Metrics{
		WPMAssessment:   AssessNoData,
		FillerWords:     FillerWords{Breakdown: map[string]int{}},
		TalkListenRatio: TalkListenRatio{Assessment: AssessNoData},
	}
}

// Analyze computes speech metrics for the transcript over durationSeconds.
// It never fails; missing data yields Empty().
func Analyze(t *types.Transcript, durationSeconds float64) Metrics {
	if t == nil || len(t.Messages) == 0 || durationSeconds <= 0 {
		return Empty()
	}

	var (
		userWords, assistantWords int
		userTexts                 []string
		m                         Metrics
	)
	for _, u := range t.Messages {
		n := CountWords(u.Text)
		switch u.Role {
		case types.RoleUser:
			m.MessageCount.User++
			userWords += n
			userTexts = append(userTexts, u.Text)
			if n > m.LongestMonologueWords {
				m.LongestMonologueWords = n
			}
			if strings.HasSuffix(strings.TrimSpace(u.Text), "?") {
				m.QuestionsAsked++
			}
		case types.RoleAssistant:
			m.MessageCount.Assistant++
			assistantWords += n
		}
	}

	minutes := durationSeconds / 60.0
	m.TotalUserWords = userWords
	m.TotalAssistantWords = assistantWords

	m.WordsPerMinute = round(float64(userWords)/minutes, 1)
	m.WPMAssessment = AssessPace(m.WordsPerMinute)

	breakdown := CountFillers(strings.Join(userTexts, " "))
	total := 0
	for _, c := range breakdown {
		total += c
	}
	m.FillerWords = FillerWords{
		Total:     total,
		PerMinute: round(float64(total)/minutes, 1),
		Breakdown: breakdown,
	}

	userPct := 0.0
	if all := userWords + assistantWords; all > 0 {
		userPct = round(float64(userWords)/float64(all)*100, 1)
	}
	m.TalkListenRatio = TalkListenRatio{
		UserPercent:     userPct,
		ProspectPercent: round(100-userPct, 1),
		Assessment:      AssessTalkRatio(userPct),
	}
	return m
}

// CountWords counts whitespace-delimited tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// CountFillers returns per-phrase counts for every catalog phrase that occurs
// in text at least once. Matching is case-insensitive and whole-word.
func CountFillers(text string) map[string]int {
	lower := strings.ToLower(text)
	out := map[string]int{}
	for _, f := range fillerPatterns {
		n := 0
		for _, loc := range f.re.FindAllStringIndex(lower, -1) {
			if wholeWord(lower, loc[0], loc[1]) {
				n++
			}
		}
		if n > 0 {
			out[f.phrase] = n
		}
	}
	return out
}

// wholeWord reports whether s[start:end] is not flanked by a word rune.
// regexp's \b only knows ASCII, so "so" would match inside "soñar".
func wholeWord(s string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(s[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		if r, _ := utf8.DecodeRuneInString(s[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func AssessPace(wpm float64) string {
	switch {
	case wpm < 110:
		return PaceTooSlow
	case wpm <= 160:
		return PaceIdeal
	default:
		return PaceTooFast
	}
}

func AssessTalkRatio(userPercent float64) string {
	switch {
	case userPercent < 30:
		return TalkTooQuiet
	case userPercent <= 60:
		return TalkIdeal
	default:
		return TalkTalkingTooMuch
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
