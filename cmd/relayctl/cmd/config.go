package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = map[string]string{
	"server":  "tonerelayd API base URL",
	"timeout": "request timeout",
	"json":    "JSON output",
	"token":   "JWT bearer token",
	"nsqd":    "nsqd TCP address",
	"topic":   "NSQ submission topic",
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relayctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		values := map[string]any{
			"server":  viper.GetString("server"),
			"timeout": viper.GetDuration("timeout").String(),
			"json":    viper.GetBool("json"),
			"token":   maskToken(viper.GetString("token")),
			"nsqd":    viper.GetString("nsqd"),
			"topic":   viper.GetString("topic"),
		}
		if outputJSON {
			return printJSON(w, values)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Current configuration:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, values[k])
		}
		if f := viper.ConfigFileUsed(); f != "" {
			fmt.Fprintf(w, "  config file: %s\n", f)
		} else {
			fmt.Fprintln(w, "  config file: none (using defaults)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  relayctl config set server http://relay.local:8080
  relayctl config set timeout 60s
  relayctl config set token "$(relayctl token --subject ops)"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if _, ok := configKeys[key]; !ok {
			return fmt.Errorf("invalid configuration key: %s", key)
		}

		switch key {
		case "json":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean value for %s: %s", key, value)
			}
			viper.Set(key, b)
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, value)
			}
			viper.Set(key, d.String())
		default:
			viper.Set(key, value)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", key, path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("nsqd", "localhost:4150")
		viper.Set("topic", "deliveries")
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

// configPath honours --config, otherwise ~/.relayctl.yaml.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relayctl.yaml"), nil
}

func maskToken(t string) string {
	if len(t) <= 8 {
		if t == "" {
			return ""
		}
		return "****"
	}
	return t[:4] + "..." + t[len(t)-4:]
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
