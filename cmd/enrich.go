package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/feed"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/pipeline"
)

var (
	enrichIn     string
	enrichOut    string
	enrichFormat string
	enrichSheet  string
	enrichBulk   bool
	enrichQueue  bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a product feed into JSONL outcomes",
	Long:  "Reads a product feed (JSONL, JSON array, CSV or XLSX) and writes one outcome per line in input order. --bulk routes the whole input through bulk jobs; --queue streams records through the per-tier submission queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		format, opts, err := feedOptions(enrichIn, enrichFormat, enrichSheet)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		in := io.Reader(os.Stdin)
		if enrichIn != "" && enrichIn != "-" {
			f, err := os.Open(enrichIn) // #nosec G304 -- operator-supplied path
			if err != nil {
				return eris.Wrapf(err, "open %s", enrichIn)
			}
			defer f.Close() //nolint:errcheck
			in = f
		}
		out := io.Writer(os.Stdout)
		if enrichOut != "" && enrichOut != "-" {
			f, err := os.Create(enrichOut) // #nosec G304 -- operator-supplied path
			if err != nil {
				return eris.Wrapf(err, "create %s", enrichOut)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		mode := modeSync
		switch {
		case enrichBulk:
			mode = modeBulk
		case enrichQueue:
			mode = modeQueue
		}
		n, err := runEnrich(ctx, env.Enricher, feedSource{r: in, format: format, opts: opts}, out, mode)
		if err != nil {
			return err
		}

		rep := env.Enricher.CostSummary(24 * time.Hour)
		zap.L().Info("enrich complete",
			zap.Int("records", n),
			zap.Int("enriched", rep.Enriched),
			zap.Int("degraded", rep.Degraded),
			zap.Int("failed", rep.Failed),
			zap.Float64("cost_usd", rep.CostUSD),
		)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichIn, "in", "-", "input JSONL file (- for stdin)")
	enrichCmd.Flags().StringVar(&enrichOut, "out", "-", "output JSONL file (- for stdout)")
	enrichCmd.Flags().StringVar(&enrichFormat, "format", "", "input format: jsonl, json, csv or xlsx (default from the --in extension)")
	enrichCmd.Flags().StringVar(&enrichSheet, "sheet", "", "xlsx sheet name (default first sheet)")
	enrichCmd.Flags().BoolVar(&enrichBulk, "bulk", false, "submit same-tier buckets as bulk jobs")
	enrichCmd.Flags().BoolVar(&enrichQueue, "queue", false, "stream records through the bulk submission queue")
	enrichCmd.MarkFlagsMutuallyExclusive("bulk", "queue")
	rootCmd.AddCommand(enrichCmd)
}

type enrichMode int

const (
	modeSync enrichMode = iota
	modeBulk
	modeQueue
)

// feedSource is an input feed and how to parse it.
type feedSource struct {
	r      io.Reader
	format feed.Format
	opts   feed.Options
}

// feedOptions resolves the input format from the flag or, failing that,
// the input file extension. Stdin defaults to JSONL.
func feedOptions(path, format, sheet string) (feed.Format, feed.Options, error) {
	opts := feed.Options{SheetName: sheet}
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}
	if format != "" {
		f, err := feed.ParseFormat(format)
		return f, opts, err
	}
	if path == "" || path == "-" {
		return feed.FormatJSONL, opts, nil
	}
	return feed.DetectFormat(path), opts, nil
}

// runEnrich enriches every record of src and writes the outcomes to out in
// input order.
func runEnrich(ctx context.Context, e *pipeline.Enricher, src feedSource, out io.Writer, mode enrichMode) (int, error) {
	records, err := feed.Read(ctx, src.r, src.format, src.opts)
	if err != nil {
		return 0, eris.Wrap(err, "read feed")
	}

	var outcomes []model.Outcome
	switch mode {
	case modeBulk:
		outcomes = e.EnrichBatch(ctx, records)
	case modeQueue:
		outcomes = enrichQueued(ctx, e, records)
	default:
		outcomes = make([]model.Outcome, len(records))
		for i, rec := range records {
			outcomes[i] = e.Enrich(ctx, rec)
		}
	}

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for _, o := range outcomes {
		if err := enc.Encode(o); err != nil {
			return 0, eris.Wrap(err, "write outcome")
		}
	}
	if err := w.Flush(); err != nil {
		return 0, eris.Wrap(err, "flush outcomes")
	}
	return len(records), nil
}

// enrichQueued feeds records to the streaming queue, flushes whatever is
// left below the size threshold, and waits for every outcome.
func enrichQueued(ctx context.Context, e *pipeline.Enricher, records []model.Record) []model.Outcome {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		e.Batcher().Run(runCtx)
		close(done)
	}()

	chans := make([]<-chan model.Outcome, len(records))
	for i, rec := range records {
		chans[i] = e.EnrichAsync(ctx, rec)
	}
	e.Batcher().Flush(ctx)

	outcomes := make([]model.Outcome, len(records))
	for i, ch := range chans {
		outcomes[i] = <-ch
	}
	cancel()
	<-done
	return outcomes
}
