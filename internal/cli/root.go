// Package cli implements rcactl, the operator CLI for the deployment watch engine.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/deploywatch-rca/internal/grpc/rcav1"
)

var (
	grpcAddr string
	apiURL   string
	apiKey   string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "rcactl",
	Short:        "Operate the deployment watch and RCA engine",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", envOr("DEPLOYWATCH_GRPC", "localhost:50051"), "engine gRPC address")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("DEPLOYWATCH_URL", "http://localhost:8080"), "engine HTTP URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("DEPLOYWATCH_API_KEY"), "API key for the HTTP surface")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// withClient dials the engine and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, c rcav1.DeployWatchClient) error) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", grpcAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, rcav1.NewDeployWatchClient(conn))
}
