package cmd

import (
	"fmt"
	"time"

	"dataplane/pkg/api"

	"github.com/spf13/cobra"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show circuit breaker state per source",
	Long:  `List every source's circuit breaker with its state (closed, half_open, open), consecutive failure count and, for open breakers, when the next trial is allowed.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		statuses, err := newClient().Breakers()
		if err != nil {
			printAPIError(cmd, "Breakers", err)
			return
		}
		printBreakers(cmd, statuses)
	},
}

func printBreakers(cmd *cobra.Command, statuses []api.BreakerStatus) {
	cmd.Printf("%sCircuit Breakers%s\n", colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	for _, st := range statuses {
		line := fmt.Sprintf("%s %-10s %sfailures=%d%s", stateIcon(st.State), st.Source, colorDim, st.Failures, colorReset)
		if st.OpenUntil != nil {
			line += fmt.Sprintf(" %sretry in %s%s", colorCyan, formatDuration(time.Until(*st.OpenUntil)), colorReset)
		}
		cmd.Println(line)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func stateIcon(state string) string {
	switch state {
	case "closed":
		return colorGreen + "●" + colorReset
	case "half_open":
		return colorYellow + "◐" + colorReset
	case "open":
		return colorRed + "○" + colorReset
	default:
		return "•"
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0ms"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(breakersCmd)
}
