package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ircbot/internal/app"
	"ircbot/internal/config"
	"ircbot/internal/storage"
	logx "ircbot/pkg/logx"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Print recorded connection status transitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		server, _ := cmd.Flags().GetString("server")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		st, err := app.OpenStorage(cfg, logx.Nop())
		if errors.Is(err, storage.ErrDisabled) {
			return fmt.Errorf("storage is not configured in %s", cfgPath)
		}
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		rows, err := st.RecentSessions(ctx, server, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSERVER\tSESSION\tFROM\tTO\tDELAY\tREASON")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.At.Local().Format(time.DateTime), r.Server, short(r.SessionID), r.From, r.To, r.Delay, r.Reason)
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().StringP("server", "s", "", "only show this server")
	sessionsCmd.Flags().IntP("limit", "n", 20, "number of rows")
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
