// Package coaching turns a completed call into a persisted coaching report.
package coaching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"yuzu/coach/internal/callstate"
	"yuzu/coach/internal/emotion"
	"yuzu/coach/internal/speech"
	"yuzu/coach/internal/store"
	"yuzu/coach/internal/types"
)

const (
	MsgMissingData    = "Missing transcript or duration data"
	MsgAnalysisFailed = "Analysis failed. Please try again."
)

// Completer is the generative-model call: system + user text in, raw text out.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Outcome summarizes what one Generate call did.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeFailed     Outcome = "failed"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeMissing    Outcome = "missing"
	OutcomeSkipped    Outcome = "skipped"
)

// failureWriteTimeout bounds the error write after the job context has expired.
const failureWriteTimeout = 10 * time.Second

type Generator struct {
	store store.Store
	model Completer
	log   *logrus.Logger
}

func NewGenerator(st store.Store, model Completer, log *logrus.Logger) *Generator {
	return &Generator{store: st, model: model, log: log}
}

// Generate runs one analysis attempt for session id. Every failure is
// recorded on the session; nothing is returned to the caller but the outcome.
func (g *Generator) Generate(ctx context.Context, id string) Outcome {
	start := time.Now()
	out := g.generate(ctx, id)
	analysisRuns.WithLabelValues(string(out)).Inc()
	analysisDuration.WithLabelValues(string(out)).Observe(time.Since(start).Seconds())
	return out
}

func (g *Generator) generate(ctx context.Context, id string) Outcome {
	log := g.log.WithField("session_id", id)

	sess, err := g.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("call session not found, dropping analysis job")
		return OutcomeMissing
	}
	if err != nil {
		log.WithError(err).Error("load call session")
		return OutcomeMissing
	}
	log = log.WithFields(logrus.Fields{"persona": sess.Persona, "status": sess.Status})

	// redelivered or duplicate job
	if !callstate.Analyzable(sess.Status) {
		log.Warn("session not analyzable, skipping")
		return OutcomeSkipped
	}

	if sess.Transcript == nil || sess.Transcript.Messages == nil || sess.DurationSeconds == nil || *sess.DurationSeconds == 0 {
		if _, err := g.store.SetStatus(ctx, id, types.StatusError, types.Results{"error": MsgMissingData}); err != nil {
			log.WithError(err).Error("record missing data")
		}
		g.event(ctx, id, "analysis_failed", map[string]any{"error": MsgMissingData})
		log.Warn("missing transcript or duration")
		return OutcomeIncomplete
	}

	if _, err := g.store.SetStatus(ctx, id, types.StatusAnalyzing, nil); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("analysis already claimed by another attempt")
			return OutcomeSkipped
		}
		log.WithError(err).Error("mark analyzing")
		g.fail(ctx, id, log)
		return OutcomeFailed
	}
	g.event(ctx, id, "analysis_started", nil)

	results, err := g.analyze(ctx, sess)
	if err != nil {
		log.WithError(err).Error("failed to generate coaching report")
		g.fail(ctx, id, log)
		return OutcomeFailed
	}

	if _, err := g.store.SetStatus(ctx, id, types.StatusDone, results); err != nil {
		log.WithError(err).Error("store coaching report")
		g.fail(ctx, id, log)
		return OutcomeFailed
	}
	g.event(ctx, id, "analysis_done", map[string]any{"overall_score": results["overall_score"]})
	log.Info("coaching report generated")
	return OutcomeDone
}

// analyze computes metrics, calls the model and merges the report. A panic
// anywhere in here is returned as an error.
func (g *Generator) analyze(ctx context.Context, sess *types.CallSession) (results types.Results, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during analysis: %v", r)
		}
	}()

	metrics := speech.Analyze(sess.Transcript, *sess.DurationSeconds)
	summary := emotion.Summarize(sess.EmotionData)
	prompt := BuildPrompt(sess.Persona, sess.Transcript, metrics, summary)

	text, err := g.model.Complete(ctx, SystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	return MergeReport(text, metrics, summary)
}

// MergeReport parses the model's JSON object and attaches the derived metrics.
func MergeReport(text string, m speech.Metrics, e emotion.Summary) (types.Results, error) {
	var report map[string]any
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		return nil, fmt.Errorf("decode model report: %w", err)
	}
	if report == nil {
		return nil, fmt.Errorf("decode model report: not a JSON object")
	}
	sm, err := toMap(m)
	if err != nil {
		return nil, err
	}
	es, err := toMap(e)
	if err != nil {
		return nil, err
	}
	report["speech_metrics"] = sm
	report["emotion_summary"] = es
	return types.Results(report), nil
}

// toMap round-trips v through JSON so results hold only plain JSON values.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return out, nil
}

// fail reloads the session and records the generic failure. It uses a fresh
// context so an expired job deadline still reaches the store.
func (g *Generator) fail(ctx context.Context, id string, log *logrus.Entry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	if _, err := g.store.Get(wctx, id); err != nil {
		log.WithError(err).Error("reload after failure")
		return
	}
	if _, err := g.store.SetStatus(wctx, id, types.StatusError, types.Results{"error": MsgAnalysisFailed}); err != nil {
		log.WithError(err).Error("record analysis failure")
		return
	}
	g.event(wctx, id, "analysis_failed", map[string]any{"error": MsgAnalysisFailed})
}

func (g *Generator) event(ctx context.Context, id, typ string, payload map[string]any) {
	if _, err := g.store.AppendEvent(ctx, id, typ, payload); err != nil {
		g.log.WithError(err).WithField("session_id", id).Debug("append event")
	}
}
