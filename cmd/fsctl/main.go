// Package main implements the fsctl CLI for manual operations against a
// framesearchd server: tenant registration, login, search and the
// credential security commands.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the framesearchd HTTP server
	serverURL string
	// sessionToken authenticates commands that need a logged-in tenant
	sessionToken string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fsctl",
	Short: "CLI for framesearchd server operations",
	Long: `fsctl is a command-line interface for interacting with a framesearchd
server. It provides commands for tenant registration, login, frame search
and credential management.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "framesearchd server URL")
	rootCmd.PersistentFlags().StringVar(&sessionToken, "token", os.Getenv("FSCTL_TOKEN"), "session token (defaults to FSCTL_TOKEN)")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(passwdCmd)
	rootCmd.AddCommand(deleteCmd)
}

// doJSON sends a JSON request and decodes a JSON response into out
// (skipped when out is nil). Non-2xx responses become errors carrying the
// response body.
func doJSON(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", serverURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check framesearchd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status  string `json:"status"`
			Service string `json:"service"`
		}
		if err := doJSON(http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Server Status: %s (%s)\n", resp.Status, resp.Service)
		return nil
	},
}

var (
	registerPassword string
	registerUpstream string
)

var registerCmd = &cobra.Command{
	Use:   "register <tenant-id>",
	Short: "Create a tenant account",
	Long: `Create a local tenant account bound to an upstream source manager.

Examples:
  fsctl register acme --password s3cretpass --upstream-url http://sm.local:9000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := doJSON(http.MethodPost, "/api/v1/auth/register", map[string]string{
			"tenant_id":    args[0],
			"password":     registerPassword,
			"upstream_url": registerUpstream,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s registered\n", args[0])
		return nil
	},
}

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <tenant-id>",
	Short: "Log in and print a session token",
	Long: `Log in and print a session token to stdout.

Examples:
  export FSCTL_TOKEN=$(fsctl login acme --password s3cretpass)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		err := doJSON(http.MethodPost, "/api/v1/auth/login", map[string]string{
			"tenant_id": args[0],
			"password":  loginPassword,
		}, &resp)
		if err != nil {
			return err
		}
		fmt.Println(resp.Token)
		fmt.Fprintf(os.Stderr, "[fsctl] token expires %s\n", resp.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var (
	searchTopK      int
	searchSources   []string
	searchTimeStart float64
	searchTimeEnd   float64
	searchDedup     bool
)

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search frames by natural-language description",
	Long: `Search the tenant's indexed frames.

Examples:
  fsctl search "red car at the gate" --top-k 5
  fsctl search "person in lobby" --source-id cam-1 --time-start 0 --time-end 3600`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("text", args[0])
		q.Set("top_k", strconv.Itoa(searchTopK))
		for _, id := range searchSources {
			q.Add("source_id", id)
		}
		if cmd.Flags().Changed("time-start") {
			q.Set("time_start", strconv.FormatFloat(searchTimeStart, 'f', -1, 64))
		}
		if cmd.Flags().Changed("time-end") {
			q.Set("time_end", strconv.FormatFloat(searchTimeEnd, 'f', -1, 64))
		}
		if searchDedup {
			q.Set("dedup", "true")
		}

		var frames []struct {
			SourceID  string  `json:"source_id"`
			Timestamp float64 `json:"timestamp"`
			Score     float64 `json:"score"`
		}
		if err := doJSON(http.MethodGet, "/api/v1/search?"+q.Encode(), nil, &frames); err != nil {
			return err
		}
		if len(frames) == 0 {
			fmt.Println("No matches")
			return nil
		}
		for _, f := range frames {
			fmt.Printf("%-20s t=%-10.2f score=%.4f\n", f.SourceID, f.Timestamp, f.Score)
		}
		return nil
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the tenant's upstream video sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sources []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Status int    `json:"status_code"`
		}
		if err := doJSON(http.MethodGet, "/api/v1/sources", nil, &sources); err != nil {
			return err
		}
		for _, s := range sources {
			fmt.Printf("%-20s %-30s status=%d\n", s.ID, s.Name, s.Status)
		}
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the tenant's search graph from stored records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON(http.MethodPost, "/api/v1/reindex", nil, nil); err != nil {
			return err
		}
		fmt.Println("Reindex complete")
		return nil
	},
}

var securityPassword string

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the upstream secret",
	Long: `Ask the upstream to reissue the tenant's credential. Tokens issued
before the rotation stop working upstream; their holders must log in
again. The new secret is printed once and never stored in plaintext.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Secret string `json:"secret"`
		}
		err := doJSON(http.MethodPost, "/api/v1/security/rotate",
			map[string]string{"password": securityPassword}, &resp)
		if err != nil {
			return err
		}
		fmt.Println(resp.Secret)
		fmt.Fprintln(os.Stderr, "[fsctl] store this secret now; it cannot be shown again")
		return nil
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Revoke the upstream credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := doJSON(http.MethodPost, "/api/v1/security/invalidate",
			map[string]string{"password": securityPassword}, nil)
		if err != nil {
			return err
		}
		fmt.Println("Upstream credentials invalidated")
		return nil
	},
}

var (
	oldPassword string
	newPassword string
)

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the tenant password",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := doJSON(http.MethodPost, "/api/v1/security/password", map[string]string{
			"old_password": oldPassword,
			"new_password": newPassword,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Println("Password changed; existing sessions must log in again")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the tenant and all indexed frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := doJSON(http.MethodDelete, "/api/v1/tenant",
			map[string]string{"password": securityPassword}, nil)
		if err != nil {
			return err
		}
		fmt.Println("Tenant deleted")
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "tenant password")
	registerCmd.Flags().StringVar(&registerUpstream, "upstream-url", "", "upstream source manager base URL")
	_ = registerCmd.MarkFlagRequired("password")
	_ = registerCmd.MarkFlagRequired("upstream-url")

	loginCmd.Flags().StringVar(&loginPassword, "password", "", "tenant password")
	_ = loginCmd.MarkFlagRequired("password")

	searchCmd.Flags().IntVar(&searchTopK, "top-k", 10, "number of results")
	searchCmd.Flags().StringSliceVar(&searchSources, "source-id", nil, "restrict to source ids")
	searchCmd.Flags().Float64Var(&searchTimeStart, "time-start", 0, "earliest timestamp (seconds)")
	searchCmd.Flags().Float64Var(&searchTimeEnd, "time-end", 0, "latest timestamp (seconds)")
	searchCmd.Flags().BoolVar(&searchDedup, "dedup", false, "collapse duplicate (source, timestamp) hits")

	for _, c := range []*cobra.Command{rotateCmd, invalidateCmd, deleteCmd} {
		c.Flags().StringVar(&securityPassword, "password", "", "tenant password (re-verified)")
		_ = c.MarkFlagRequired("password")
	}

	passwdCmd.Flags().StringVar(&oldPassword, "old-password", "", "current password")
	passwdCmd.Flags().StringVar(&newPassword, "new-password", "", "new password")
	_ = passwdCmd.MarkFlagRequired("old-password")
	_ = passwdCmd.MarkFlagRequired("new-password")
}
