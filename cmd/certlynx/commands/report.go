package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewExpiringCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "List stored domains whose certificate expires soon",
		Long: `List every stored domain whose most recent check was valid and whose
certificate expires within --days, soonest first.`,
		Args: cobra.NoArgs,
		RunE: runExpiring,
	}
	cmd.Flags().IntP("days", "d", 30, "Expiry window in days")
	cmd.Flags().StringP("output", "o", formatTable, "Output format (table, json, yaml)")
	return cmd
}

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <domain>",
		Short: "Show the stored check history of a domain",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().IntP("page", "p", 0, "Zero-based page number")
	cmd.Flags().IntP("size", "s", 20, "Checks per page")
	cmd.Flags().StringP("output", "o", formatTable, "Output format (table, json, yaml)")
	return cmd
}

func runExpiring(cmd *cobra.Command, args []string) error {
	format, err := validateFormat(mustGetString(cmd, "output"))
	if err != nil {
		return err
	}
	days, _ := cmd.Flags().GetInt("days")

	st, err := openStoredStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	rows, err := st.monitor.ExpiringSoon(cmd.Context(), days)
	if err != nil {
		return err
	}
	return writeResponses(cmd.OutOrStdout(), format, rows)
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, err := validateFormat(mustGetString(cmd, "output"))
	if err != nil {
		return err
	}
	page, _ := cmd.Flags().GetInt("page")
	size, _ := cmd.Flags().GetInt("size")

	st, err := openStoredStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	hist, err := st.monitor.History(cmd.Context(), args[0], page, size)
	if err != nil {
		return err
	}
	return writeHistory(cmd.OutOrStdout(), format, hist)
}

func openStoredStack() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildStack(cfg, stackOptions{withStorage: true})
}

func closeStack(st *stack) {
	if err := st.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to release resources")
	}
}
