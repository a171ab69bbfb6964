package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/autarkd/autark/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor status",
	Long:  `Show whether the supervisor is running, plus budget spend and queue depth.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()

	if !isRunning(pidFile) {
		fmt.Println("Status: stopped")
		return nil
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return fmt.Errorf("invalid PID file: %w", err)
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	if cfg, err := config.Load(cfgFile); err == nil {
		printBudget(cfg)
		printQueue(cfg)
	}
	return nil
}

func printBudget(cfg *config.Config) {
	data, err := os.ReadFile(cfg.StatePath("budget.json"))
	if err != nil {
		return
	}
	var st struct {
		SpentUSD   float64 `json:"spent_usd"`
		UsageCount int     `json:"usage_count"`
	}
	if json.Unmarshal(data, &st) != nil {
		return
	}
	if cfg.Budget.TotalUSD > 0 {
		fmt.Printf("Budget: $%.2f spent of $%.2f (%d model calls)\n",
			st.SpentUSD, cfg.Budget.TotalUSD, st.UsageCount)
		return
	}
	fmt.Printf("Budget: $%.2f spent, no ceiling (%d model calls)\n", st.SpentUSD, st.UsageCount)
}

func printQueue(cfg *config.Config) {
	data, err := os.ReadFile(cfg.StatePath("queue_snapshot.json"))
	if err != nil {
		return
	}
	var doc struct {
		TS           time.Time `json:"ts"`
		Reason       string    `json:"reason"`
		PendingCount int       `json:"pending_count"`
		RunningCount int       `json:"running_count"`
	}
	if json.Unmarshal(data, &doc) != nil {
		return
	}
	fmt.Printf("Queue: %d pending, %d running (snapshot %s, %s ago)\n",
		doc.PendingCount, doc.RunningCount, doc.Reason,
		formatDuration(time.Since(doc.TS)))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
