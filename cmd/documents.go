// File: cmd/documents.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/couch"
	"github.com/xkilldash9x/sag/internal/observability"
)

// withClient loads the configuration, builds a client through provider and
// runs fn with it.
func withClient(cmd *cobra.Command, provider clientProvider, fn func(ctx context.Context, client *couch.Client) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	client, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if noDecode, _ := cmd.Flags().GetBool("no-decode"); noDecode {
		client.Decode(false)
	}
	return fn(ctx, client)
}

// readDocument returns the document named by arg: "-" reads stdin, "@path"
// reads a file, anything else is taken literally. The result must be JSON.
func readDocument(cmd *cobra.Command, arg string) ([]byte, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("document is not valid JSON")
	}
	return data, nil
}

func newGetCmd(provider clientProvider) *cobra.Command {
	var stale bool
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch a document or any path within the database",
		Long: `Fetches a path relative to the selected database. With a response cache
configured, a cached copy is revalidated with If-None-Match and reused when the
server answers 304 Not Modified.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				if stale {
					client.SetStaleDefault(true)
				}
				resp, err := client.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if resp.FromCache {
					observability.GetLogger().Debug("Served from cache", zap.String("path", args[0]), zap.String("etag", resp.ETag()))
				}
				return writeResponse(cmd, resp)
			})
		},
	}
	cmd.Flags().BoolVar(&stale, "stale", false, "add stale=ok to the request")
	return cmd
}

func newHeadCmd(provider clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "head <path>",
		Short: "Print the status and headers of a path within the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				resp, err := client.Head(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, summarize(resp))
			})
		},
	}
}

func newPutCmd(provider clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "put <id> <json|@file|->",
		Short: "Create or update a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(cmd, args[1])
			if err != nil {
				return err
			}
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				resp, err := client.Put(ctx, args[0], json.RawMessage(doc))
				if err != nil {
					return err
				}
				return writeResponse(cmd, resp)
			})
		},
	}
}

func newPostCmd(provider clientProvider) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "post <json|@file|->",
		Short: "POST a document to the database or to a path within it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(cmd, args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				resp, err := client.Post(ctx, json.RawMessage(doc), path)
				if err != nil {
					return err
				}
				return writeResponse(cmd, resp)
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path within the database, e.g. _find")
	return cmd
}

func newDeleteCmd(provider clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id> <rev>",
		Short: "Delete a document revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				resp, err := client.Delete(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeResponse(cmd, resp)
			})
		},
	}
}

func newCopyCmd(provider clientProvider) *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "copy <source-id> <destination-id>",
		Short: "Copy a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, provider, func(ctx context.Context, client *couch.Client) error {
				resp, err := client.Copy(ctx, args[0], args[1], rev)
				if err != nil {
					return err
				}
				return writeResponse(cmd, resp)
			})
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "current revision of the destination, when it exists")
	return cmd
}
