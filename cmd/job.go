package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/permit-scheduler/internal/audit"
	"github.com/example/permit-scheduler/internal/config"
	"github.com/example/permit-scheduler/internal/db"
	"github.com/example/permit-scheduler/internal/permit"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage acquisition jobs on a running server",
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobHistoryCmd())
	return cmd
}

// apiClient talks to the server's JSON API, carrying the operator session
// cookie between calls.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(baseURL, username, password string) (*apiClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &apiClient{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 10 * time.Second, Jar: jar},
	}
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	res, err := c.hc.Post(c.base+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login failed (status=%d)", res.StatusCode)
	}
	return c, nil
}

func (c *apiClient) postJSON(path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	res, err := c.hc.Post(c.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		return fmt.Errorf("%s: %s (status=%d)", path, e.Error, res.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func (c *apiClient) getJSON(path string, out any) error {
	res, err := c.hc.Get(c.base + path)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("%s failed (status=%d)", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func newJobCreateCmd() *cobra.Command {
	var (
		baseURL, username, password string
		label, permitID, divisionID string
		groupSize                   int
		opensAt                     string
		ranges                      []string
		siteUsername, sitePassword  string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create an acquisition job (ranges in priority order, most preferred first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(baseURL, username, password)
			if err != nil {
				return err
			}

			opens, err := time.Parse(time.RFC3339, opensAt)
			if err != nil {
				return fmt.Errorf("invalid --opens-at (want RFC3339, e.g. 2026-01-15T15:00:00Z)")
			}

			type rangePayload struct {
				Start string `json:"start"`
				End   string `json:"end"`
			}
			var rps []rangePayload
			for _, r := range ranges {
				parts := strings.SplitN(r, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --range %q (want ENTRY:EXIT, dates as YYYY-MM-DD)", r)
				}
				rps = append(rps, rangePayload{Start: parts[0], End: parts[1]})
			}

			payload := map[string]any{
				"label":           label,
				"permit_id":       permitID,
				"division_id":     divisionID,
				"group_size":      groupSize,
				"window_opens_at": opens.Format(time.RFC3339),
				"ranges":          rps,
				"credentials": map[string]string{
					"username": siteUsername,
					"password": sitePassword,
				},
			}

			var job permit.Job
			if err := client.postJSON("/api/jobs", payload, &job); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created job %s (%s)\n", job.ID, job.Status)
			return nil
		},
	}

	c.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "server base URL")
	c.Flags().StringVar(&username, "username", "", "operator username")
	c.Flags().StringVar(&password, "password", "", "operator password")
	c.Flags().StringVar(&label, "label", "", "display label")
	c.Flags().StringVar(&permitID, "permit", "", "permit ID")
	c.Flags().StringVar(&divisionID, "division", "", "division / entry point ID")
	c.Flags().IntVar(&groupSize, "group-size", 1, "group size")
	c.Flags().StringVar(&opensAt, "opens-at", "", "window opening instant (RFC3339)")
	c.Flags().StringArrayVar(&ranges, "range", nil, "acceptable range ENTRY:EXIT (repeatable, priority order)")
	c.Flags().StringVar(&siteUsername, "site-username", "", "reservation-site username")
	c.Flags().StringVar(&sitePassword, "site-password", "", "reservation-site password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	_ = c.MarkFlagRequired("permit")
	_ = c.MarkFlagRequired("division")
	_ = c.MarkFlagRequired("opens-at")
	_ = c.MarkFlagRequired("range")
	_ = c.MarkFlagRequired("site-username")
	_ = c.MarkFlagRequired("site-password")
	return c
}

func newJobListCmd() *cobra.Command {
	var baseURL, username, password string

	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(baseURL, username, password)
			if err != nil {
				return err
			}
			var jobs []permit.Job
			if err := client.getJSON("/api/jobs", &jobs); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPERMIT\tDIVISION\tOPENS\tATTEMPTS\tMESSAGE")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Status, j.PermitID, j.DivisionID,
					j.WindowOpensAt.Format(time.RFC3339), j.Attempts, j.Message)
			}
			return tw.Flush()
		},
	}

	c.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "server base URL")
	c.Flags().StringVar(&username, "username", "", "operator username")
	c.Flags().StringVar(&password, "password", "", "operator password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}

// newJobHistoryCmd reads the transition audit trail straight from postgres;
// it works even when the server is down.
func newJobHistoryCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show the recorded status transitions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			ts, err := audit.History(ctx, d, args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDED\tSTATUS\tATTEMPTS\tMESSAGE")
			for _, t := range ts {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
					t.RecordedAt.Format(time.RFC3339), t.Status, t.Attempts, t.Message)
			}
			return tw.Flush()
		},
	}
	return c
}
