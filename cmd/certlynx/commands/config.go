package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CertLynx configuration",
		Long: `Create, inspect, edit and validate CertLynx configuration files.
Values are resolved from flags, CERTLYNX_* environment variables, the
config file and built-in defaults, in that order.`,
	}

	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigValidateCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
	cmd.Flags().StringP("output", "o", formatYAML, "Output format (json, yaml)")
	return cmd
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get one effective configuration value",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigGet,
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value in the configuration file",
		Long: `Set a value in the configuration file selected with --config (or the
default one). Dotted keys address nested sections, e.g. "batch.max_concurrency".
Values are typed: true/false, integers, floats, and durations such as "30s"
for keys containing "timeout" or "interval".`,
		Args: cobra.ExactArgs(2),
		RunE: runConfigSet,
	}
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigValidate,
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := targetConfigPath(args)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := models.DefaultConfig().Save(path); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	logrus.Infof("Configuration initialized: %s", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	format, err := validateFormat(mustGetString(cmd, "output"))
	if err != nil {
		return err
	}
	if format == formatTable {
		format = formatYAML
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return writeStructured(cmd.OutOrStdout(), format, cfg)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(strings.TrimSpace(args[0]))
	if !viper.IsSet(key) {
		return fmt.Errorf("unknown configuration key %q", key)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, viper.Get(key))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(strings.TrimSpace(args[0]))
	if !viper.IsSet(key) {
		return fmt.Errorf("unknown configuration key %q", key)
	}

	path := viper.ConfigFileUsed()
	if path == "" {
		var err error
		if path, err = targetConfigPath(nil); err != nil {
			return err
		}
	}

	raw, err := readYAMLMap(path)
	if err != nil {
		return err
	}
	val := parseValueForKey(key, args[1])
	setNested(raw, strings.Split(key, "."), val)

	// round-trip through Config so a bad value never reaches the file
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	cfg := models.DefaultConfig()
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	logrus.Infof("Set %s = %v in %s", key, val, path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := viper.ConfigFileUsed()
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no configuration file found; pass a path or use --config")
	}

	cfg := models.DefaultConfig()
	if err := cfg.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", path)
	return nil
}

func targetConfigPath(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if p := viper.GetString("config"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".certlynx", "config.yaml"), nil
}

// readYAMLMap returns the file as a generic map, or the defaults when the
// file does not exist yet.
func readYAMLMap(path string) (map[string]interface{}, error) {
	var src []byte
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		src = b
	case os.IsNotExist(err):
		if src, err = yaml.Marshal(models.DefaultConfig()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	out := map[string]interface{}{}
	if err := yaml.Unmarshal(src, &out); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return out, nil
}

func setNested(dst map[string]interface{}, keys []string, val interface{}) {
	if len(keys) == 0 {
		return
	}
	if len(keys) == 1 {
		dst[keys[0]] = val
		return
	}
	k := keys[0]
	child, ok := dst[k].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
	}
	setNested(child, keys[1:], val)
	dst[k] = child
}

func parseValueForKey(key, s string) interface{} {
	trim := strings.TrimSpace(s)

	if i, err := strconv.Atoi(trim); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trim, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(trim); err == nil {
		return b
	}
	if strings.Contains(key, "timeout") || strings.Contains(key, "interval") {
		if d, err := time.ParseDuration(trim); err == nil {
			return d
		}
	}
	return trim
}
