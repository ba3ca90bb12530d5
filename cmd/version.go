// File: cmd/version.go
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sag/internal/network"
)

// Version is the application version.
// This value is intended to be set at build time using ldflags.
// Example: go build -ldflags "-X github.com/xkilldash9x/sag/cmd.Version=1.0.0"
var Version = "0.9.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and the User-Agent sent to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd, map[string]string{
				"version":    Version,
				"user_agent": network.DefaultUserAgent,
			})
		},
	}
}
