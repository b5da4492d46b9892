package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleet-monitor/safety/internal/classifier"
	"fleet-monitor/safety/internal/config"
	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/ingest"
	"fleet-monitor/safety/internal/logging"
	"fleet-monitor/safety/internal/store"
)

const maxLineBytes = 1 << 20

// replayOptions controls an offline classification run.
type replayOptions struct {
	Thresholds   domain.Thresholds
	ClearSamples int
	Cooldown     time.Duration
	// Interval is the synthetic receipt spacing between consecutive lines.
	Interval time.Duration
	JSON     bool
}

type replaySummary struct {
	Lines       int
	Rejected    int
	Transitions int
	Vehicles    int
}

func classifyCmd() *cobra.Command {
	var (
		thresholdsFile string
		clearSamples   int
		cooldown       time.Duration
		interval       time.Duration
		output         string
	)

	cmd := &cobra.Command{
		Use:   "classify [file]",
		Short: "Replay a JSON lines file of vehicle updates through the classifier",
		Long: `Reads one vehicle update payload per line (or stdin when the file is "-")
and prints every incident transition it produces. Useful for checking a
thresholds file against recorded telemetry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if thresholdsFile == "" {
				thresholdsFile = os.Getenv("THRESHOLDS_FILE")
			}
			th, err := config.LoadThresholds(thresholdsFile)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}

			sum, err := replay(cmd.Context(), in, cmd.OutOrStdout(), replayOptions{
				Thresholds:   th,
				ClearSamples: clearSamples,
				Cooldown:     cooldown,
				Interval:     interval,
				JSON:         output == "json",
			})
			if err != nil {
				return err
			}

			if output != "json" {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d lines, %d rejected, %d transitions across %d vehicles\n",
					sum.Lines, sum.Rejected, sum.Transitions, sum.Vehicles)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&thresholdsFile, "thresholds", "t", "", "YAML thresholds file (default: THRESHOLDS_FILE)")
	cmd.Flags().IntVar(&clearSamples, "clear-samples", 2, "Consecutive normal samples that clear an incident")
	cmd.Flags().DurationVar(&cooldown, "cooldown", 60*time.Second, "Cooldown after the last qualifying sample (0 disables)")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Synthetic time between consecutive lines")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// replay classifies every line of r against a fresh in-memory store. Lines
// that fail to parse or validate are reported and skipped.
func replay(ctx context.Context, r io.Reader, w io.Writer, opts replayOptions) (replaySummary, error) {
	var sum replaySummary

	clock := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	norm := ingest.NewNormalizerWithClock(func() time.Time { return clock })
	states := store.NewStateStore(logging.Discard())
	cls := classifier.New(states, classifier.Options{
		Thresholds:   opts.Thresholds,
		ClearSamples: opts.ClearSamples,
		Cooldown:     opts.Cooldown,
	}, logging.Discard())

	enc := json.NewEncoder(w)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum.Lines++
		clock = clock.Add(opts.Interval)

		var p ingest.Payload
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			sum.Rejected++
			fmt.Fprintf(w, "line %d: invalid JSON: %v\n", sum.Lines, err)
			continue
		}
		sample, err := norm.Normalize(p)
		if err != nil {
			sum.Rejected++
			fmt.Fprintf(w, "line %d: %v\n", sum.Lines, err)
			continue
		}

		res, err := cls.Classify(ctx, sample)
		if err != nil {
			return sum, fmt.Errorf("line %d: %w", sum.Lines, err)
		}
		for _, evt := range res.Events {
			sum.Transitions++
			if opts.JSON {
				if err := enc.Encode(evt); err != nil {
					return sum, err
				}
				continue
			}
			fmt.Fprintf(w, "line %-5d %-12s %-15s %s -> %s (seq %d, confidence %.2f)\n",
				sum.Lines, evt.VehicleID, evt.Category, evt.OldStatus, evt.NewStatus,
				evt.Sequence, evt.Confidence)
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("failed to read input: %w", err)
	}

	sum.Vehicles = states.Len()
	return sum, nil
}
