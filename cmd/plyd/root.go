package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Build information, set with -ldflags
var (
	version = "dev"
	commit  = "none"
)

// newRootCmd builds the command tree. Flags are bound through viper so
// each of them can also come from a PLY_ environment variable.
func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "plyd",
		Short: "Ply error collector and notification stream",
		Long: `plyd collects error records posted by Ply pages, keeps them in a
journal, and relays notifications such as view refreshes and fatal
errors to stream subscribers.

  plyd serve                  Start the daemon
  plyd errors list            Show the newest stored errors
  plyd errors get <id>        Show one stored error
  plyd version                Show version information`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initConfig(v)
		},
	}

	root.PersistentFlags().String("config", "", "config file (can also use PLY_CONFIG_FILE)")
	root.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	bindFlags(v, root.PersistentFlags(), "config", "log-level")

	root.AddCommand(newServeCmd(v), newErrorsCmd(v), newVersionCmd())
	return root
}

// initConfig enables PLY_ environment lookups. The config file itself is
// read by the config package, which applies its own PLY_ overrides.
func initConfig(v *viper.Viper) {
	v.SetEnvPrefix("PLY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if v.GetString("config") == "" {
		if envFile := os.Getenv("PLY_CONFIG_FILE"); envFile != "" {
			v.Set("config", envFile)
		}
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		// Only fails for a nil flag
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}
