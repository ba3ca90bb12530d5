// File: cmd/server.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sag/internal/cache"
	"github.com/xkilldash9x/sag/internal/couch"
)

func newDBsCmd(provider clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "dbs",
		Short: "List all databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				resp, err := client.AllDatabases(ctx)
				if err != nil {
					return err
				}
				return writeResponse(cmd, resp)
			})
		},
	}
}

func newUUIDsCmd(provider clientProvider) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "uuids",
		Short: "Ask the server for fresh UUIDs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				resp, err := client.GenerateIDs(ctx, count)
				if err != nil {
					return err
				}
				return writeResponse(cmd, resp)
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of UUIDs")
	return cmd
}

func newCacheCmd(provider clientProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or empty the configured response cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print the cache type, usage and size budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, provider, func(ctx context.Context, c cache.Cache) error {
				stats, err := cache.Describe(ctx, c)
				if err != nil {
					return err
				}
				return writeJSON(cmd, stats)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, provider, func(ctx context.Context, c cache.Cache) error {
				complete, err := c.Clear(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]bool{"cleared": complete})
			})
		},
	})
	return cmd
}

func withCache(cmd *cobra.Command, provider clientProvider, fn func(ctx context.Context, c cache.Cache) error) error {
	return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
		c := client.Cache()
		if c == nil {
			return errNoCache
		}
		return fn(ctx, c)
	})
}
