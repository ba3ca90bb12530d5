// File: cmd/output.go
package cmd

import (
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sag/internal/network"
)

// writeJSON prints v as indented JSON on the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(b); err != nil {
		return err
	}
	_, err = out.Write([]byte("\n"))
	return err
}

// writeResponse prints a response body. Undecoded bodies are printed as
// received.
func writeResponse(cmd *cobra.Command, resp *network.Response) error {
	if resp.Body != nil {
		return writeJSON(cmd, resp.Body)
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(resp.Raw); err != nil {
		return err
	}
	if n := len(resp.Raw); n > 0 && resp.Raw[n-1] != '\n' {
		_, err := out.Write([]byte("\n"))
		return err
	}
	return nil
}

// headSummary is what `sag head` prints.
type headSummary struct {
	Status    int               `json:"status"`
	ETag      string            `json:"etag,omitempty"`
	Headers   map[string]string `json:"headers"`
	FromCache bool              `json:"from_cache,omitempty"`
}

func summarize(resp *network.Response) headSummary {
	s := headSummary{Status: resp.Status, ETag: resp.ETag(), Headers: make(map[string]string, len(resp.Header))}
	for k := range resp.Header {
		s.Headers[k] = resp.Header.Get(k)
	}
	return s
}
