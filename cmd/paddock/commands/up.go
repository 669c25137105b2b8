package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/paddock/internal/config"
	"github.com/dyluth/paddock/internal/printer"
	"github.com/dyluth/paddock/pkg/paddock"
	"github.com/dyluth/paddock/pkg/wire"
)

var upCmd = &cobra.Command{
	Use:   "up <environment>",
	Short: "Launch an environment and hold it until interrupted",
	Long: `Launch the named environment from paddock.yml: start its driver and
sensor processes, wait for every readiness signal, and hold the environment
ready until Ctrl-C. On interrupt all processes are terminated gracefully.

Useful for bringing hardware up for an external training loop, or for
checking that a new environment spec launches cleanly.

Examples:
  # Launch the reacher environment and hold it
  paddock up reacher`,
	Args: cobra.ExactArgs(1),
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error("invalid configuration", err.Error(), []string{"Check " + configPath})
	}

	spec, err := cfg.Spec(args[0])
	if err != nil {
		return printer.Error("unknown environment", err.Error(), []string{"List environments defined in " + configPath})
	}

	rt := paddock.NewRuntime(&redis.Options{Addr: resolveRedisAddr(cfg.RedisAddr())})
	defer rt.Teardown(context.Background())

	printer.Info("Launching environment '%s' (%d processes)...\n", spec.ID, len(spec.Processes))

	// Reward is irrelevant while holding; a zero reward satisfies the
	// contract.
	env, err := rt.Create(ctx, spec, func(wire.Observation, []float64) (float64, bool) { return 0, false })
	if err != nil {
		if errors.Is(err, paddock.ErrLaunchTimeout) {
			return printer.Error(
				"launch timed out",
				err.Error(),
				[]string{
					"Check that the driver processes can reach Redis",
					"Increase ready_timeout or launch_timeout in " + configPath,
				},
			)
		}
		return err
	}

	printer.Success("Environment '%s' ready\n", env.ID())
	printer.Info("Press Ctrl-C to stop\n")

	<-ctx.Done()

	printer.Info("\nShutting down...\n")
	if err := env.Close(context.Background()); err != nil {
		return err
	}
	printer.Success("Environment '%s' closed\n", env.ID())
	return nil
}
