package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/paddock/internal/config"
	"github.com/dyluth/paddock/internal/printer"
	"github.com/dyluth/paddock/pkg/wire"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all environment instances on the Redis server",
	Long: `List every environment instance with a discovery record on the Redis
server, including instances owned by other processes.

For each instance, displays name, lifecycle state, process count, and age.
Use --json for machine-readable output.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	addr := "localhost:6379"
	if cfg, err := config.Load(configPath); err == nil {
		addr = cfg.RedisAddr()
	}
	addr = resolveRedisAddr(addr)

	client, err := wire.NewClient(&redis.Options{Addr: addr}, "probe")
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return printer.Error(
			"Redis not reachable",
			fmt.Sprintf("Could not connect to Redis at %s: %v", addr, err),
			[]string{"Start Redis, or point at it with --redis / PADDOCK_REDIS_ADDR"},
		)
	}

	records, err := client.ListInstanceRecords(ctx)
	if err != nil {
		return err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	if listJSON {
		out, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(records) == 0 {
		printer.Info("No environment instances found.\n")
		return nil
	}

	fmt.Printf("%-24s %-12s %-10s %s\n", "NAME", "STATE", "PROCESSES", "AGE")
	for _, rec := range records {
		age := time.Since(time.UnixMilli(rec.CreatedAtMs)).Round(time.Second)
		fmt.Printf("%-24s %-12s %-10d %s\n", rec.Name, rec.State, rec.Processes, age)
	}
	return nil
}
