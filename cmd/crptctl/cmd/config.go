package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/crpt_submit/internal/api"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
)

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage crptctl configuration",
	}
	cmd.AddCommand(newConfigViewCmd(o), newConfigSetCmd(o), newConfigInitCmd(o))
	return cmd
}

func (o *options) settings() map[string]any {
	return map[string]any{
		"base-url":    o.baseURL,
		"timeout":     o.timeout.String(),
		"signature":   redact(o.signature),
		"period":      o.period.String(),
		"quota":       o.quota,
		"pool":        o.pool,
		"mode":        o.mode,
		"nsqd":        o.nsqd,
		"topic":       o.topic,
		"server":      o.server,
		"grpc-server": o.grpcServer,
		"json":        o.outputJSON,
		"pretty":      o.prettyJSON,
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "<set>"
}

func newConfigViewCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "View current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if o.outputJSON {
				return o.printJSON(w, o.settings())
			}
			fmt.Fprintln(w, "Current configuration:")
			for _, key := range boundFlags {
				fmt.Fprintf(w, "  %s: %v\n", key, o.settings()[key])
			}
			if used := o.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(w, "  Config file: %s\n", used)
			} else {
				fmt.Fprintln(w, "  Config file: none (using defaults)")
			}
			return nil
		},
	}
}

// validateSetting parses value for key into the type viper should store.
func validateSetting(key, value string) (any, error) {
	switch key {
	case "json", "pretty":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
		return b, nil
	case "timeout", "period":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid duration for %s: %s", key, value)
		}
		return d.String(), nil
	case "quota", "pool":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %s", key, value)
		}
		return n, nil
	case "mode":
		m, err := ratelimit.ParseMode(value)
		if err != nil {
			return nil, err
		}
		return string(m), nil
	case "base-url", "signature", "nsqd", "topic", "server", "grpc-server":
		if value == "" {
			return nil, fmt.Errorf("%s cannot be empty", key)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("invalid configuration key: %s", key)
	}
}

func newConfigSetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Long: `Set a configuration value and save it to the config file.

Examples:
  crptctl config set base-url https://markirovka.demo.crpt.tech/api/v3
  crptctl config set quota 10
  crptctl config set mode sliding`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			parsed, err := validateSetting(key, value)
			if err != nil {
				return err
			}
			if key == "pretty" && parsed == true && !checkJQAvailable() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.")
			}

			path := o.v.ConfigFileUsed()
			if path == "" {
				if path, err = configPath(); err != nil {
					return err
				}
			}
			o.v.Set(key, parsed)
			if err := o.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\nConfiguration saved to: %s\n", key, value, path)
			return nil
		},
	}
}

func newConfigInitCmd(o *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		Long:  `Create a default configuration file in the home directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}

			defaults := map[string]any{
				"base-url":    api.DefaultBaseURL,
				"timeout":     "60s",
				"period":      "1s",
				"quota":       5,
				"pool":        4,
				"mode":        string(ratelimit.ModeFixed),
				"nsqd":        "localhost:4150",
				"topic":       "documents",
				"server":      "localhost:8082",
				"grpc-server": "localhost:50052",
			}
			for k, v := range defaults {
				o.v.Set(k, v)
			}
			if err := o.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
