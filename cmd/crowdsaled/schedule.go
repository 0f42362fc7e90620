package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tempus-labs/tempus-crowdsale/config"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/internal/interface/http/handlers"
)

func newScheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Print the round calendar and rates of the configured deployment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			schedule, err := crowdsale.NewSchedule(cfg.Crowdsale.ScheduleConfig())
			if err != nil {
				return err
			}
			return printSchedule(cmd.OutOrStdout(), schedule, cfg.Token.Cap)
		},
	}
}

func printSchedule(out io.Writer, schedule *crowdsale.Schedule, tokenCap shared.Amount) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tSTART\tEND\tRATE\tQUOTA")
	for _, r := range schedule.Rounds() {
		end := "open"
		if !r.IsOpenEnded() {
			end = r.End.UTC().Format(time.RFC3339)
		}
		quota := "on activation"
		if r.QuotaFrozen {
			quota = shared.FormatAmount(r.TokensCap)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Start.UTC().Format(time.RFC3339), end, shared.FormatAmount(r.Rate), quota)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "token cap: %s, quota divisor: %d\n", shared.FormatAmount(tokenCap), schedule.QuotaDivisor())
	return err
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash of an admin API key for HTTP_ADMIN_KEY_HASHES",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := handlers.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
