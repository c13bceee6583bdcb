package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"yuzu/coach/internal/config"
)

func newE2ECmd(load func() config.Config) *cobra.Command {
	var (
		baseURL string
		persona string
		user    string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "e2e",
		Short: "Create, complete and analyze a call against a running server, then print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := mintToken(load(), user, false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			c := &apiClient{base: strings.TrimSuffix(baseURL, "/"), token: tok, http: &http.Client{Timeout: 30 * time.Second}}
			return runE2E(ctx, c, persona, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8000", "server base URL")
	cmd.Flags().StringVar(&persona, "persona", "friendly_prospect", "persona for the practice call")
	cmd.Flags().StringVar(&user, "user", "e2e-user", "user id to act as")
	cmd.Flags().DurationVar(&wait, "timeout", 3*time.Minute, "overall deadline including analysis")
	return cmd
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// do sends body as JSON and decodes the response into out. It returns the status code.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func sampleCompletion() map[string]any {
	ts := func(v float64) *float64 { return &v }
	return map[string]any{
		"duration_seconds": 120.0,
		"hume_chat_id":     "e2e-" + time.Now().Format("150405"),
		"transcript": map[string]any{"messages": []map[string]any{
			{"role": "user", "text": "Hi, um, thanks for taking the call. What does your team use for reporting today?", "timestamp": ts(0)},
			{"role": "assistant", "text": "Mostly spreadsheets. It works, but it's slow to put together every week.", "timestamp": ts(6)},
			{"role": "user", "text": "Got it. So basically we automate that, and you'd get the weekly view without the manual work. Would that help?", "timestamp": ts(14)},
			{"role": "assistant", "text": "Maybe. How long does it take to set up?", "timestamp": ts(24)},
		}},
		"emotion_data": map[string]any{"prosody_scores": []map[string]any{
			{"role": "user", "timestamp": ts(0), "emotions": map[string]float64{"Calmness": 0.6, "Interest": 0.5}},
			{"role": "user", "timestamp": ts(14), "emotions": map[string]float64{"Determination": 0.7, "Anxiety": 0.2}},
		}},
	}
}

func runE2E(ctx context.Context, c *apiClient, persona string, w io.Writer) error {
	step := func(n int, msg string) { fmt.Fprintf(w, "[%d] %s\n", n, msg) }

	step(1, "creating call session ("+persona+")")
	var sess map[string]any
	code, err := c.do(ctx, http.MethodPost, "/calls", map[string]any{"persona": persona}, &sess)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("create: status %d: %v", code, sess["detail"])
	}
	id, _ := sess["id"].(string)
	color.Green("    session %s is %v", id, sess["status"])

	step(2, "completing call")
	code, err = c.do(ctx, http.MethodPost, "/calls/"+id+"/complete", sampleCompletion(), &sess)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("complete: status %d: %v", code, sess["detail"])
	}
	color.Green("    status %v", sess["status"])

	step(3, "triggering analysis")
	var msg map[string]any
	code, err = c.do(ctx, http.MethodPost, "/calls/"+id+"/analyze", nil, &msg)
	if err != nil {
		return err
	}
	if code != http.StatusAccepted {
		return fmt.Errorf("analyze: status %d: %v", code, msg["detail"])
	}
	color.Green("    %v", msg["message"])

	step(4, "waiting for report")
	for {
		var report map[string]any
		code, err = c.do(ctx, http.MethodGet, "/calls/"+id+"/report", nil, &report)
		if err != nil {
			return err
		}
		switch code {
		case http.StatusOK:
			color.Green("    overall score %v", report["overall_score"])
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case http.StatusConflict:
			color.Yellow("    %v", report["detail"])
		default:
			color.Red("    report failed: %v", report["detail"])
			return fmt.Errorf("report: status %d", code)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for report: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}
