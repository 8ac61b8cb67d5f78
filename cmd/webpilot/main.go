// Package main provides the webpilot command: it runs browser automation
// tasks in supervised sandboxes and checks the host for what they need.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/models"
)

const version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
	verbose    bool
}

func main() {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "webpilot",
		Short:         "webpilot - browser automation in supervised sandboxes",
		Long:          "Runs LLM-driven browser tasks inside per-session Xvnc, websockify and Chrome sandboxes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file with API keys and overrides")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "mirror log entries to stderr")

	root.AddCommand(
		runCmd(flags),
		doctorCmd(flags),
		configCmd(flags),
		modelsCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies its logging settings.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{File: flags.configFile, EnvFile: flags.envFile})
	if err != nil {
		return nil, err
	}
	if cfg.LogDir != "" {
		logging.SetDirectory(cfg.LogDir)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if flags.verbose {
		logging.SetMirror(os.Stderr)
	}
	return cfg, nil
}

func configCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the supported models",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tID\tGROUP\tLITE")
			for _, m := range models.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.ID, m.Group, models.Lite(m).ID)
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "webpilot v%s\n", version)
		},
	}
}
