package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	healthAddr  string
	healthToken string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running gateway's pool health over the admin API",
	Long: `Fetch the current pool health snapshot from a running gatewayd's
admin HTTP API (GET /pool) and print it in a colorized table.`,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "http://127.0.0.1:9911", "admin API base address")
	healthCmd.Flags().StringVar(&healthToken, "token", "", "admin API bearer token")
}

type poolHealthEntry struct {
	Key struct {
		Language  string `json:"Language"`
		Workspace string `json:"Workspace"`
	} `json:"Key"`
	State        int    `json:"State"`
	Uptime       int64  `json:"Uptime"`
	CrashCount   int    `json:"CrashCount"`
	LastPingErr  string `json:"LastPingErr"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodGet, healthAddr+"/pool", nil)
	if err != nil {
		return fmt.Errorf("gatewayd: build health request: %w", err)
	}
	if healthToken != "" {
		req.Header.Set("Authorization", "Bearer "+healthToken)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gatewayd: query admin API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gatewayd: read admin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gatewayd: admin API returned %d: %s", resp.StatusCode, string(body))
	}

	var entries []poolHealthEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return fmt.Errorf("gatewayd: decode pool health: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("no pooled backends")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for _, e := range entries {
		status := green("healthy")
		if e.LastPingErr != "" {
			status = red("unhealthy: " + e.LastPingErr)
		} else if e.CrashCount > 0 {
			status = yellow(fmt.Sprintf("restarted %dx", e.CrashCount))
		}
		fmt.Printf("%-12s %-40s uptime=%-10s %s\n",
			e.Key.Language, e.Key.Workspace, time.Duration(e.Uptime).String(), status)
	}
	return nil
}
