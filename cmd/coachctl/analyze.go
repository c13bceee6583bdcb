package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"yuzu/coach/internal/emotion"
	"yuzu/coach/internal/speech"
	"yuzu/coach/internal/types"
)

// callFile is the completion payload shape, as posted to /calls/{id}/complete.
type callFile struct {
	DurationSeconds float64            `json:"duration_seconds"`
	Transcript      *types.Transcript  `json:"transcript"`
	EmotionData     *types.EmotionData `json:"emotion_data"`
}

type offlineReport struct {
	SpeechMetrics  speech.Metrics  `json:"speech_metrics"`
	EmotionSummary emotion.Summary `json:"emotion_summary"`
}

func newAnalyzeCmd() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "analyze <call.json>",
		Short: "Compute speech metrics and the emotion summary for a recorded call, without the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rep, err := analyzeCall(f)
			if err != nil {
				return err
			}
			if summary {
				printSummary(cmd.OutOrStdout(), rep)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print a short human readable summary instead of JSON")
	return cmd
}

func analyzeCall(r io.Reader) (offlineReport, error) {
	var c callFile
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return offlineReport{}, fmt.Errorf("decode call file: %w", err)
	}
	return offlineReport{
		SpeechMetrics:  speech.Analyze(c.Transcript, c.DurationSeconds),
		EmotionSummary: emotion.Summarize(c.EmotionData),
	}, nil
}

func printSummary(w io.Writer, rep offlineReport) {
	m := rep.SpeechMetrics
	fmt.Fprintf(w, "pace:        %.1f wpm (%s)\n", m.WordsPerMinute, paint(m.WPMAssessment == speech.PaceIdeal, m.WPMAssessment))
	fmt.Fprintf(w, "talk ratio:  %.1f%% user (%s)\n", m.TalkListenRatio.UserPercent, paint(m.TalkListenRatio.Assessment == speech.TalkIdeal, m.TalkListenRatio.Assessment))
	fmt.Fprintf(w, "fillers:     %d (%.1f/min)\n", m.FillerWords.Total, m.FillerWords.PerMinute)
	fmt.Fprintf(w, "questions:   %d\n", m.QuestionsAsked)
	for _, d := range rep.EmotionSummary.DominantEmotions {
		fmt.Fprintf(w, "dominant:    %s %.3f\n", d.Dimension, d.Score)
	}
}

func paint(good bool, s string) string {
	if good {
		return color.GreenString(s)
	}
	return color.YellowString(s)
}
