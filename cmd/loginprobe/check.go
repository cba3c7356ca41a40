package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/loginprobe/internal/checker"
	"github.com/hazz-dev/loginprobe/internal/config"
)

// loginRunner is the part of checker.Runner the check command needs.
type loginRunner interface {
	Run(ctx context.Context, target config.Target) checker.Outcome
}

func executeCheck(cmd *cobra.Command, cfg *config.Config, runner loginRunner) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return runChecks(ctx, cmd.OutOrStdout(), cfg, runner)
}

// runChecks checks every target concurrently and prints one row per target
// in config order. It returns an error if any login failed.
func runChecks(ctx context.Context, out io.Writer, cfg *config.Config, runner loginRunner) error {
	results := make([]checker.Outcome, len(cfg.Targets))
	var wg sync.WaitGroup

	for i, t := range cfg.Targets {
		wg.Add(1)
		go func(i int, t config.Target) {
			defer wg.Done()
			results[i] = runner.Run(ctx, t)
		}(i, t)
	}
	wg.Wait()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tMODE\tRESULT\tDURATION\tREASON\tERROR")
	failed := 0
	for i, r := range results {
		t := cfg.Targets[i]
		dur := "-"
		if r.Duration > 0 {
			dur = r.Duration.Round(time.Millisecond).String()
		}
		reason := "-"
		if k := r.Reason(); k != "" {
			reason = string(k)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Name,
			t.Selectors.SuccessMode(),
			r.Result,
			dur,
			reason,
			r.ErrorMessage(),
		)
		if !r.Succeeded() {
			failed++
		}
	}
	w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d login checks failed", failed, len(results))
	}
	return nil
}
