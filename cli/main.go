package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type deviceView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Department    string    `json:"department"`
	Status        string    `json:"status"`
	SecurityScore int       `json:"security_score"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type taskView struct {
	ID        string    `json:"id"`
	AgentType string    `json:"agent_type"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	DeviceID  string    `json:"device_id"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

type violationView struct {
	DeviceID      string    `json:"DeviceID"`
	ViolationType string    `json:"ViolationType"`
	Severity      int       `json:"Severity"`
	IPAddress     string    `json:"IPAddress"`
	CreatedAt     time.Time `json:"CreatedAt"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "bindery",
		Short: "Bindery - device fleet orchestration",
		Long:  "Manage deployment tokens, devices, and analysis tasks for a Bindery fleet",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Bindery server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("BINDERY_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		devicesCmd(),
		banCmd(),
		unbanCmd(),
		tokensCmd(),
		tasksCmd(),
		violationsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats struct {
				Devices     map[string]int64 `json:"devices"`
				Tasks       map[string]int64 `json:"tasks"`
				Violations  int64            `json:"violations"`
				RateLimiter struct {
					Keys int `json:"keys"`
				} `json:"rate_limiter"`
			}
			if err := adminGet("/admin/stats", &stats); err != nil {
				return err
			}

			var totalDevices int64
			for _, n := range stats.Devices {
				totalDevices += n
			}

			fmt.Printf("Bindery Fleet\n")
			fmt.Printf("=============\n\n")
			fmt.Printf("Total Devices:  %d\n", totalDevices)
			fmt.Printf("Online:         %d\n", stats.Devices["online"])
			fmt.Printf("Banned:         %d\n", stats.Devices["banned"])
			fmt.Printf("Pending Tasks:  %d\n", stats.Tasks["pending"])
			fmt.Printf("Assigned Tasks: %d\n", stats.Tasks["assigned"])
			fmt.Printf("Violations:     %d\n", stats.Violations)
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []deviceView
			if err := adminGet("/admin/devices", &devices); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDEPARTMENT\tSTATUS\tSCORE\tLAST HEARTBEAT")
			for _, d := range devices {
				last := "never"
				if !d.LastHeartbeat.IsZero() {
					last = time.Since(d.LastHeartbeat).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%.12s\t%s\t%s\t%s\t%d\t%s\n", d.ID, d.Name, d.Department, d.Status, d.SecurityScore, last)
			}
			w.Flush()
			return nil
		},
	}
}

func banCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ban [device-id]",
		Short: "Permanently exclude a device from authentication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodPost, "/admin/devices/"+args[0]+"/ban", nil, nil)
		},
	}
}

func unbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban [device-id]",
		Short: "Lift a device ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodDelete, "/admin/devices/"+args[0]+"/ban", nil, nil)
		},
	}
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage deployment tokens",
	}

	var label string
	var maxUses int
	var expiresIn int64
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new deployment token",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"label":              label,
				"max_uses":           maxUses,
				"expires_in_seconds": expiresIn,
			}
			var resp struct {
				Token string `json:"token"`
			}
			if err := adminDo(http.MethodPost, "/admin/tokens", body, &resp); err != nil {
				return err
			}
			fmt.Println(resp.Token)
			return nil
		},
	}
	issue.Flags().StringVarP(&label, "label", "l", "", "Token label")
	issue.Flags().IntVarP(&maxUses, "max-uses", "m", 1, "Maximum redemptions")
	issue.Flags().Int64VarP(&expiresIn, "expires-in", "e", 86400, "Lifetime in seconds (0 = no expiry)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List deployment tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tokens []struct {
				ID          uint       `json:"id"`
				Label       string     `json:"label"`
				MaxUses     int        `json:"max_uses"`
				CurrentUses int        `json:"current_uses"`
				ExpiresAt   *time.Time `json:"expires_at"`
				IsActive    bool       `json:"is_active"`
			}
			if err := adminGet("/admin/tokens", &tokens); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tUSES\tACTIVE\tEXPIRES")
			for _, t := range tokens {
				expires := "never"
				if t.ExpiresAt != nil {
					expires = t.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%d/%d\t%v\t%s\n", t.ID, t.Label, t.CurrentUses, t.MaxUses, t.IsActive, expires)
			}
			w.Flush()
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke [id]",
		Short: "Deactivate a deployment token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodDelete, "/admin/tokens/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(issue, list, revoke)
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the task queue",
	}

	var agentType string
	var priority int
	var payload string
	add := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"agent_type": agentType,
				"priority":   priority,
				"payload":    json.RawMessage(payload),
			}
			var resp struct {
				ID string `json:"id"`
			}
			if err := adminDo(http.MethodPost, "/admin/tasks", body, &resp); err != nil {
				return err
			}
			fmt.Println(resp.ID)
			return nil
		},
	}
	add.Flags().StringVarP(&agentType, "type", "y", "book_analysis", "Agent type")
	add.Flags().IntVarP(&priority, "priority", "p", 0, "Priority (higher runs first)")
	add.Flags().StringVarP(&payload, "payload", "d", "{}", "Opaque JSON payload")
	add.MarkFlagRequired("type")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/tasks"
			if status != "" {
				path += "?status=" + status
			}
			var tasks []taskView
			if err := adminGet(path, &tasks); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tDEVICE\tATTEMPTS\tAGE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.12s\t%d\t%s\n",
					t.ID, t.AgentType, t.Priority, t.Status, t.DeviceID, t.Attempts,
					time.Since(t.CreatedAt).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}
	list.Flags().StringVarP(&status, "status", "f", "", "Filter by status")

	cmd.AddCommand(add, list)
	return cmd
}

func violationsCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List security violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/violations"
			if deviceID != "" {
				path += "?device_id=" + deviceID
			}
			var violations []violationView
			if err := adminGet(path, &violations); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tTYPE\tSEVERITY\tIP\tWHEN")
			for _, v := range violations {
				fmt.Fprintf(w, "%.12s\t%s\t%d\t%s\t%s\n",
					v.DeviceID, v.ViolationType, v.Severity, v.IPAddress, v.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Filter by device id")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bindery version %s\n", Version)
		},
	}
}

func adminGet(path string, out any) error {
	return adminDo(http.MethodGet, path, nil, out)
}

func adminDo(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
