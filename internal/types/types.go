package types

import "time"

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAnalyzing Status = "analyzing"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// Roles used in transcripts and prosody readings.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Utterance is one turn of the conversation as reported by the voice vendor.
type Utterance struct {
	Role      string   `json:"role"`
	Text      string   `json:"text"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

type Transcript struct {
	Messages []Utterance `json:"messages"`
}

// ProsodyReading is one sample of vocal-tone emotion scores for an utterance.
type ProsodyReading struct {
	Role      string             `json:"role"`
	Emotions  map[string]float64 `json:"emotions"`
	Timestamp *float64           `json:"timestamp,omitempty"`
}

type EmotionData struct {
	ProsodyScores []ProsodyReading `json:"prosody_scores"`
}

// Results is the analysis_results mapping: either {"error": msg} or a full report.
type Results map[string]any

// ErrorMessage returns the stored error descriptor, if any.
func (r Results) ErrorMessage() (string, bool) {
	if r == nil {
		return "", false
	}
	msg, ok := r["error"].(string)
	return msg, ok
}

type CallSession struct {
	ID       string  `json:"id"`
	OwnerID  string  `json:"owner_id"`
	Persona  string  `json:"persona"`
	Scenario *string `json:"scenario"`
	Status   Status  `json:"status"`

	CreatedAt       time.Time  `json:"created_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	ExternalChatID  *string    `json:"hume_chat_id"`

	Transcript      *Transcript  `json:"transcript"`
	EmotionData     *EmotionData `json:"emotion_data"`
	AnalysisResults Results      `json:"analysis_results"`
}

// Clone returns a copy whose pointer fields do not alias the receiver's
// scalar fields. Transcript, emotion data and results are shared; they are
// written once and never mutated in place.
func (c *CallSession) Clone() *CallSession {
	if c == nil {
		return nil
	}
	out := *c
	if c.Scenario != nil {
		s := *c.Scenario
		out.Scenario = &s
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.DurationSeconds != nil {
		d := *c.DurationSeconds
		out.DurationSeconds = &d
	}
	if c.ExternalChatID != nil {
		s := *c.ExternalChatID
		out.ExternalChatID = &s
	}
	return &out
}

// Completion carries the fields written by the active -> completed transition.
type Completion struct {
	DurationSeconds float64
	Transcript      *Transcript
	EmotionData     *EmotionData
	ExternalChatID  *string
	EndedAt         time.Time
}
