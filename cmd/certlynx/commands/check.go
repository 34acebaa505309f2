package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bl4ck0w1/certlynx/internal/batch"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [domain...]",
		Short: "Check TLS certificates of one or more domains",
		Long: `Connect to each domain over TLS and report the expiry of the certificate it
presents. Domains come from the arguments, from --file, or from both.

Examples:
  certlynx check example.com github.com
  certlynx check --file domains.txt --mode concurrent --output json
  certlynx check example.com --fail-on WARNING`,
		RunE: runCheck,
	}

	cmd.Flags().StringP("file", "f", "", "File with one domain per line ('-' for stdin)")
	cmd.Flags().StringP("mode", "m", "concurrent", "Execution mode (sequential, concurrent)")
	cmd.Flags().StringP("output", "o", formatTable, "Output format (table, json, yaml)")
	cmd.Flags().Int("concurrency", 0, "Maximum probes in flight (overrides batch.max_concurrency)")
	cmd.Flags().Float64("rate", 0, "Probe starts per second (overrides batch.rate_limit)")
	cmd.Flags().Duration("batch-timeout", 0, "Deadline for the whole batch (overrides batch.batch_timeout)")
	cmd.Flags().Duration("timeout", 0, "Connect and read timeout per probe (overrides probe.*_timeout)")
	cmd.Flags().Int("port", 0, "Default TLS port (overrides probe.port)")
	cmd.Flags().Bool("save", false, "Store the results in the configured database")
	cmd.Flags().String("fail-on", "", "Exit with status 2 when any domain reaches this alert level")

	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, err := validateFormat(mustGetString(cmd, "output"))
	if err != nil {
		return err
	}
	mode, err := batch.ParseMode(mustGetString(cmd, "mode"))
	if err != nil {
		return err
	}

	var failOn models.AlertLevel
	if s := mustGetString(cmd, "fail-on"); s != "" {
		if failOn, err = parseAlertLevel(s); err != nil {
			return err
		}
	}

	domains := append([]string{}, args...)
	if file := mustGetString(cmd, "file"); file != "" {
		fromFile, err := readDomainList(file)
		if err != nil {
			return err
		}
		domains = append(domains, fromFile...)
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains given: pass them as arguments or with --file")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyCheckOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	save, _ := cmd.Flags().GetBool("save")
	st, err := buildStack(cfg, stackOptions{withStorage: save})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to release resources")
		}
	}()

	ctx, stop := withSignals(cmd.Context())
	defer stop()

	logrus.WithFields(logrus.Fields{
		"count": len(domains),
		"mode":  mode.String(),
		"save":  save,
	}).Debug("Starting certificate check")

	infos, err := st.monitor.Check(ctx, domains, mode)
	if err != nil {
		return err
	}
	rows := models.ResponsesFromCertificateInfos(infos)

	out := cmd.OutOrStdout()
	switch format {
	case formatTable:
		if err := writeResponses(out, format, rows); err != nil {
			return err
		}
		summarize(out, rows)
	default:
		if err := writeStructured(out, format, infos); err != nil {
			return err
		}
	}

	if failOn != "" {
		if worst := worstLevel(rows); worst.Severity() >= failOn.Severity() {
			return &ExitError{Code: 2, Err: fmt.Errorf("at least one domain is at alert level %s (threshold %s)", worst, failOn)}
		}
	}
	return nil
}

// readDomainList reads one domain per line. Blank lines and lines starting
// with '#' are skipped.
func readDomainList(path string) ([]string, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, fmt.Errorf("open domain list: %w", err)
		}
		defer f.Close()
	}

	var domains []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read domain list: %w", err)
	}
	return domains, nil
}

// applyCheckOverrides copies explicitly set flags over the loaded configuration.
func applyCheckOverrides(cmd *cobra.Command, cfg *models.Config) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Batch.MaxConcurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("rate") {
		cfg.Batch.RateLimit, _ = flags.GetFloat64("rate")
		if cfg.Batch.RateBurst <= 0 {
			cfg.Batch.RateBurst = 1
		}
	}
	if flags.Changed("batch-timeout") {
		cfg.Batch.BatchTimeout, _ = flags.GetDuration("batch-timeout")
	}
	if flags.Changed("timeout") {
		timeout, _ := flags.GetDuration("timeout")
		cfg.Probe.ConnectTimeout = timeout
		cfg.Probe.ReadTimeout = timeout
	}
	if flags.Changed("port") {
		cfg.Probe.Port, _ = flags.GetInt("port")
	}
}

func mustGetString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
