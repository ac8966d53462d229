// Package commands implements the endoorctl CLI commands.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the status API.
	serverAddr string
)

// httpTimeout bounds every status API request.
const httpTimeout = 10 * time.Second

// rootCmd is the top-level cobra command for endoorctl.
var rootCmd *cobra.Command

func init() {
	rootCmd = newRootCmd()
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// fetch retrieves path from the daemon and decodes the JSON body into v.
// The raw body is returned as well for --format json passthrough.
func fetch(path string, v any) ([]byte, error) {
	client := &http.Client{Timeout: httpTimeout}

	resp, err := client.Get("http://" + serverAddr + path)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: %s", path, resp.Status)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}

	return body, nil
}
