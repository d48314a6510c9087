// Command apphostctl is the apphost control CLI. It talks to the daemon's
// admin API to show status, list applications, trigger reloads and view the
// reload history.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"apphost/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	client := &Client{http: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:           "apphostctl",
		Short:         "apphost control interface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&client.baseURL, "api", "http://"+protocol.DefaultAdminAddr, "apphost admin API URL")

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Status(cmd.OutOrStdout())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "apps",
		Short: "List deployed applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Apps(cmd.OutOrStdout())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "reload <app>",
		Short: "Reload an application now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Reload(cmd.OutOrStdout(), args[0])
		},
	})

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "View the reload history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.History(cmd.OutOrStdout(), limit)
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many records, 0 for all")
	root.AddCommand(history)

	return root
}

// Client is the HTTP client for the admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Status displays the daemon status.
func (c *Client) Status(out io.Writer) error {
	var status protocol.Status
	if err := c.get("/api/status", &status); err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: %s\n", status.Status)
	fmt.Fprintf(out, "Host: %s (%s)\n", status.Host, status.State)
	fmt.Fprintf(out, "Uptime: %s\n", (time.Duration(status.Uptime) * time.Second).String())
	fmt.Fprintf(out, "Apps: %d (%d reloading)\n", status.Apps, status.Reloading)
	return nil
}

// Apps lists the deployed applications.
func (c *Client) Apps(out io.Writer) error {
	var apps []protocol.App
	if err := c.get("/api/apps", &apps); err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(out, "No applications deployed")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tKIND\tSTRATEGY\tCONTEXT\tSTATE\tRELOADING")
	for _, app := range apps {
		reloading := "no"
		if app.Reloading {
			reloading = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			app.Name, app.ContextPath, app.Kind, app.ReloadStrategy, app.Context, app.State, reloading)
	}
	return w.Flush()
}

// Reload asks the daemon to reload an application.
func (c *Client) Reload(out io.Writer, name string) error {
	resp, err := c.http.Post(c.baseURL+"/api/apps/"+url.PathEscape(name)+"/reload", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusConflict:
		var result protocol.ReloadResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", result.App, result.Message)
		return nil
	default:
		return apiError(resp)
	}
}

// History displays the reload history.
func (c *Client) History(out io.Writer, limit int) error {
	var records []protocol.ReloadRecord
	if err := c.get("/api/history?limit="+strconv.Itoa(limit), &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No reload history")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tAPP\tSTRATEGY\tFROM\tTO\tOUTCOME\tDURATION\tERROR")
	for _, r := range records {
		timestamp := r.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			timestamp = t.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.0fms\t%s\n",
			timestamp, r.App, r.Strategy, r.From, r.To, r.Outcome, r.DurationMS, r.Error)
	}
	return w.Flush()
}

func (c *Client) get(path string, v any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr protocol.Error
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
