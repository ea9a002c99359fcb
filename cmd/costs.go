package main

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/monitoring"
)

var (
	costsWindow time.Duration
	costsSink   string
	costsXLSX   string
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Summarize cost, cache hit rates and tier latency from the metrics sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		if costsWindow <= 0 {
			return eris.New("--window must be positive")
		}
		path := costsSink
		if path == "" {
			path = cfg.Monitoring.SinkPath
		}
		if path == "" {
			return eris.New("no metrics sink configured (set monitoring.sink_path or --sink)")
		}

		rep, n, err := summarizeSink(path, costsWindow)
		if err != nil {
			return err
		}
		zap.L().Debug("replayed metrics sink", zap.String("path", path), zap.Int("events", n))

		if costsXLSX != "" {
			if err := writeCostsXLSX(costsXLSX, rep); err != nil {
				return err
			}
			zap.L().Info("wrote cost workbook", zap.String("path", costsXLSX))
			return nil
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	costsCmd.Flags().DurationVar(&costsWindow, "window", 24*time.Hour, "reporting window")
	costsCmd.Flags().StringVar(&costsSink, "sink", "", "JSONL metrics sink (default monitoring.sink_path)")
	costsCmd.Flags().StringVar(&costsXLSX, "xlsx", "", "write the summary to an xlsx workbook instead of stdout")
	rootCmd.AddCommand(costsCmd)
}

// summarizeSink replays the JSONL sink at path into a fresh collector and
// reports over window.
func summarizeSink(path string, window time.Duration) (monitoring.Report, int, error) {
	c := monitoring.NewCollector(monitoring.CollectorOptions{Retention: window})
	n, err := monitoring.ReplayJSONL(path, c)
	if err != nil {
		return monitoring.Report{}, n, err
	}
	return c.CostSummary(window), n, nil
}

// writeCostsXLSX writes a Summary sheet of headline figures and a Tiers
// sheet with one row per tier.
func writeCostsXLSX(path string, rep monitoring.Report) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "xlsx: add summary sheet")
	}
	addStringRow(summary, "Metric", "Value")
	addStringRow(summary, "From", rep.From.UTC().Format(time.RFC3339))
	addStringRow(summary, "To", rep.To.UTC().Format(time.RFC3339))
	for _, kv := range []struct {
		name  string
		value float64
	}{
		{"Requests", float64(rep.Requests)},
		{"Enriched", float64(rep.Enriched)},
		{"Degraded", float64(rep.Degraded)},
		{"Failed", float64(rep.Failed)},
		{"Provider calls", float64(rep.ProviderCalls)},
		{"Cost USD", rep.CostUSD},
		{"Bulk cost USD", rep.BulkCostUSD},
		{"Input tokens", float64(rep.InputTokens)},
		{"Output tokens", float64(rep.OutputTokens)},
		{"Error rate", rep.ErrorRate},
		{"Avg latency ms", rep.AvgLatencyMs},
		{"Exact cache hit rate", rep.HitRates[monitoring.CacheExact]},
		{"Semantic cache hit rate", rep.HitRates[monitoring.CacheSemantic]},
		{"Bulk jobs", float64(rep.Batches.Jobs)},
		{"Bulk items", float64(rep.Batches.Items)},
		{"Bulk fell back", float64(rep.Batches.FellBack)},
		{"Bulk success rate", rep.Batches.SuccessRate},
	} {
		row := summary.AddRow()
		row.AddCell().SetString(kv.name)
		row.AddCell().SetFloat(kv.value)
	}

	tiers, err := f.AddSheet("Tiers")
	if err != nil {
		return eris.Wrap(err, "xlsx: add tiers sheet")
	}
	addStringRow(tiers, "Tier", "Requests", "Success rate", "Avg latency ms", "P50 latency ms", "P95 latency ms", "Cost USD")
	names := make([]string, 0, len(rep.Tiers))
	for name := range rep.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tr := rep.Tiers[name]
		row := tiers.AddRow()
		row.AddCell().SetString(name)
		row.AddCell().SetInt(tr.Requests)
		row.AddCell().SetFloat(tr.SuccessRate)
		row.AddCell().SetFloat(tr.AvgLatencyMs)
		row.AddCell().SetFloat(tr.P50LatencyMs)
		row.AddCell().SetFloat(tr.P95LatencyMs)
		row.AddCell().SetFloat(tr.CostUSD)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}

func addStringRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
