package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/paddock/internal/config"
	"github.com/dyluth/paddock/internal/printer"
	"github.com/dyluth/paddock/pkg/wire"
)

var downCmd = &cobra.Command{
	Use:   "down <instance>",
	Short: "Remove a stale instance record from Redis",
	Long: `Remove the Redis discovery record for an environment instance.

Instances are normally cleaned up by the process that created them. This
command is janitorial: it removes the record an owner left behind after
crashing. It does not stop any processes; stop those by hand (or let the
supervisor that owns them do it).`,
	Args: cobra.ExactArgs(1),
	RunE: runDown,
}

func init() {
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	name := args[0]

	addr := "localhost:6379"
	if cfg, err := config.Load(configPath); err == nil {
		addr = cfg.RedisAddr()
	}
	addr = resolveRedisAddr(addr)

	client, err := wire.NewClient(&redis.Options{Addr: addr}, name)
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := client.ReadInstanceRecord(ctx)
	if wire.IsNotFound(err) {
		printer.Info("No record for instance '%s'; nothing to do.\n", name)
		return nil
	}
	if err != nil {
		return err
	}

	if rec.State != "closed" {
		printer.Warning("Instance '%s' is recorded as %s; if its owner is still running, it will recreate state.\n", name, rec.State)
	}

	if err := client.DeleteInstanceRecord(ctx); err != nil {
		return fmt.Errorf("failed to remove instance record: %w", err)
	}

	printer.Success("Removed record for instance '%s'\n", name)
	return nil
}
