package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridian-chat/meridian/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meridian",
		Short: "Meridian - realtime chat server",
		Long: `Meridian is the server core of a realtime chat service.
It accepts messages over WebSocket and REST, orders them through a
partitioned stream, persists them to PostgreSQL and fans them out to
connected sessions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Environment: %s\n", cfg.Env)
			fmt.Printf("  Listen:      %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  Log Level:   %s\n", cfg.Server.LogLevel)
			fmt.Println()

			fmt.Println("Auth:")
			fmt.Printf("  Issuer:      %s\n", cfg.Auth.Issuer)
			fmt.Printf("  Audience:    %s\n", cfg.Auth.Audience)
			fmt.Printf("  JWKS URL:    %s\n", cfg.Auth.JWKSURL)
			fmt.Printf("  Public Keys: %d configured\n", len(cfg.Auth.PublicKeys))
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  Primary:       %s\n", maskSecret(cfg.Database.URL))
			fmt.Printf("  Pool:          %d-%d connections\n", cfg.Database.PoolMin, cfg.Database.PoolMax)
			fmt.Printf("  Read Replicas: %s\n", boolStatus(cfg.Database.EnableReadReplicas))
			fmt.Println()

			fmt.Println("Socket:")
			fmt.Printf("  Redis Adapter: %s\n", boolStatus(cfg.Socket.AdapterEnabled))
			fmt.Printf("  Redis URL:     %s\n", maskSecret(cfg.Socket.RedisURL))
			fmt.Printf("  Instance ID:   %s\n", cfg.Socket.InstanceID)
			fmt.Printf("  Heartbeat:     %dms interval, %dms grace\n",
				cfg.Socket.HeartbeatIntervalMS, cfg.Socket.HeartbeatGraceMS)
			fmt.Println()

			fmt.Println("Stream:")
			fmt.Printf("  Partitions:  %d\n", cfg.Stream.Partitions)
			fmt.Printf("  Max Retries: %d\n", cfg.Stream.MaxRetries)
			fmt.Printf("  Batch Size:  %d\n", cfg.Stream.BatchSize)
			fmt.Println()

			fmt.Println("Cache:")
			fmt.Printf("  Redis Cache: %s\n", boolStatus(cfg.Cache.EnableRedisCache))

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Meridian %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
