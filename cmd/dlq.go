package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

var (
	dlqErrorType string
	dlqLimit     int
)

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run due dead letter entries through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := resilience.ValidErrorType(dlqErrorType); err != nil {
			return eris.Wrap(err, "dlq replay")
		}

		env, err := initEnv(cmd.Context(), "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Enricher.ReplayDLQ(cmd.Context(), env.Store, resilience.DLQFilter{
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return err
		}
		zap.L().Info("dlq replay complete",
			zap.Int("attempted", res.Attempted),
			zap.Int("recovered", res.Recovered),
			zap.Int("failed", res.Failed),
		)
		return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
	},
}

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of dead letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("report"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.CountDLQ(cmd.Context())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
		return err
	},
}

func init() {
	dlqReplayCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "only replay entries of this error type (transient, outage, structural, permanent)")
	dlqReplayCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum entries to replay")
	dlqCmd.AddCommand(dlqReplayCmd, dlqCountCmd)
	rootCmd.AddCommand(dlqCmd)
}
