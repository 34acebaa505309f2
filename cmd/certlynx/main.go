package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bl4ck0w1/certlynx/cmd/certlynx/commands"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = "1.0.0"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "certlynx",
	Short: "CertLynx - TLS certificate expiry monitor",
	Long: `CertLynx connects to domains over TLS, reads the certificate they present
and reports how long each has left, alone or as a long-running monitoring service.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return initLogging()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr *commands.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.certlynx/config.yaml)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (rotated)")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(commands.NewServeCommand(version))
	rootCmd.AddCommand(commands.NewCheckCommand())
	rootCmd.AddCommand(commands.NewExpiringCommand())
	rootCmd.AddCommand(commands.NewHistoryCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(version, commit, buildDate))

	rootCmd.SetVersionTemplate(fmt.Sprintf("CertLynx %s (commit %s, built %s)\n", version, commit, buildDate))
}

func initConfig() error {
	setDefaults()
	viper.SetEnvPrefix("CERTLYNX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home dir: %w", err)
		}
		viper.AddConfigPath(filepath.Join(home, ".certlynx"))
		viper.AddConfigPath("/etc/certlynx/")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config %s: %w", viper.ConfigFileUsed(), err)
		}
	} else {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
	return nil
}

// setDefaults registers every key so that CERTLYNX_* variables reach
// viper.Unmarshal even when no config file mentions them.
func setDefaults() {
	d := models.DefaultConfig()

	viper.SetDefault("log.level", d.Log.Level)
	viper.SetDefault("log.format", d.Log.Format)
	viper.SetDefault("log.file", d.Log.File)
	viper.SetDefault("log.max_size", d.Log.MaxSize)
	viper.SetDefault("log.max_backups", d.Log.MaxBackups)
	viper.SetDefault("log.max_age", d.Log.MaxAge)
	viper.SetDefault("log.compress", d.Log.Compress)

	viper.SetDefault("probe.port", d.Probe.Port)
	viper.SetDefault("probe.connect_timeout", d.Probe.ConnectTimeout)
	viper.SetDefault("probe.read_timeout", d.Probe.ReadTimeout)

	viper.SetDefault("batch.max_concurrency", d.Batch.MaxConcurrency)
	viper.SetDefault("batch.rate_limit", d.Batch.RateLimit)
	viper.SetDefault("batch.rate_burst", d.Batch.RateBurst)
	viper.SetDefault("batch.batch_timeout", d.Batch.BatchTimeout)

	viper.SetDefault("storage.driver", d.Storage.Driver)
	viper.SetDefault("storage.dsn", d.Storage.DSN)
	viper.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)
	viper.SetDefault("storage.log_queries", d.Storage.LogQueries)

	viper.SetDefault("api.listen", d.API.Listen)
	viper.SetDefault("api.read_timeout", d.API.ReadTimeout)
	viper.SetDefault("api.write_timeout", d.API.WriteTimeout)
	viper.SetDefault("api.job_cache_size", d.API.JobCacheSize)
	viper.SetDefault("api.default_page_size", d.API.DefaultPageSize)
	viper.SetDefault("api.max_page_size", d.API.MaxPageSize)

	viper.SetDefault("scheduler.interval", d.Scheduler.Interval)

	viper.SetDefault("metrics.enabled", d.Metrics.Enabled)
	viper.SetDefault("metrics.runtime_metrics", d.Metrics.RuntimeMetrics)
	viper.SetDefault("metrics.listen", d.Metrics.Listen)
}

func initLogging() error {
	settings := models.LogSettings{
		Level:      viper.GetString("log.level"),
		Format:     viper.GetString("log.format"),
		File:       viper.GetString("log.file"),
		MaxSize:    viper.GetInt("log.max_size"),
		MaxBackups: viper.GetInt("log.max_backups"),
		MaxAge:     viper.GetInt("log.max_age"),
		Compress:   viper.GetBool("log.compress"),
	}

	logger, err := utils.NewLogger(utils.LogConfigFromSettings(settings), "certlynx", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize structured logger, falling back: %v\n", err)
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return nil
	}
	logger.InstallGlobal()
	return nil
}

func main() {
	startTime := time.Now()
	Execute()
	logrus.Debugf("Execution completed in %v", time.Since(startTime))
}
