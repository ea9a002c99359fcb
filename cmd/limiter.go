package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

var (
	limiterServer string
	limiterTier   string
)

var limiterCmd = &cobra.Command{
	Use:   "limiter",
	Short: "Show per-tier token budget and circuit state of a running server",
	Long:  "Budgets and circuit breakers live in the serving process, so this command queries GET /v1/limiter/{tier} on a running server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		server := limiterServer
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}

		tiers := model.AllTiers
		if limiterTier != "" {
			t, err := model.ParseTier(limiterTier)
			if err != nil {
				return err
			}
			tiers = []model.Tier{t}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		client := &http.Client{Timeout: 10 * time.Second}

		statuses := make([]resilience.LimiterStatus, 0, len(tiers))
		for _, t := range tiers {
			st, err := fetchLimiterStatus(ctx, client, server, t)
			if err != nil {
				return err
			}
			statuses = append(statuses, st)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	},
}

func init() {
	limiterCmd.Flags().StringVar(&limiterServer, "server", "", "server base URL (default http://localhost:<server.port>)")
	limiterCmd.Flags().StringVar(&limiterTier, "tier", "", "single tier to show (default all)")
	rootCmd.AddCommand(limiterCmd)
}

func fetchLimiterStatus(ctx context.Context, client *http.Client, server string, t model.Tier) (resilience.LimiterStatus, error) {
	url := strings.TrimRight(server, "/") + "/v1/limiter/" + t.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return resilience.LimiterStatus{}, eris.Wrap(err, "limiter: build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return resilience.LimiterStatus{}, eris.Wrapf(err, "limiter: query %s", url)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resilience.LimiterStatus{}, eris.Errorf("limiter: %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var st resilience.LimiterStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return resilience.LimiterStatus{}, eris.Wrap(err, "limiter: decode status")
	}
	return st, nil
}
