package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath string
	redisAddr  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "paddock",
	Short: "Paddock - real-robot RL environment orchestrator",
	Long: `Paddock coordinates robot-control processes and reinforcement-learning
training loops. It launches the driver and sensor processes that make up an
environment, binds a real-time action/observation channel between them and
the training loop, and enforces the step protocol at a fixed control rate.

State and messaging run over Redis; multiple environment instances can
coexist on one server under isolated namespaces.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "paddock.yml", "Path to the paddock configuration file")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (overrides config and PADDOCK_REDIS_ADDR)")
}

// resolveRedisAddr picks the Redis address: --redis flag, then
// PADDOCK_REDIS_ADDR, then the config file's value.
func resolveRedisAddr(configured string) string {
	if redisAddr != "" {
		return redisAddr
	}
	if env := os.Getenv("PADDOCK_REDIS_ADDR"); env != "" {
		return env
	}
	return configured
}
