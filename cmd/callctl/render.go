package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"coldcaller-telephony/internal/registry"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetRowLine(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func renderConfigs(w io.Writer, views []registry.View) {
	if len(views) == 0 {
		color.New(color.FgYellow).Fprintln(w, "No configurations")
		return
	}
	table := newTable(w, "ID", "Name", "Provider", "Server", "Transport", "Active", "Failures", "Last Tested")
	for _, v := range views {
		active := ""
		if v.IsActive {
			active = color.GreenString("●")
		}
		table.Append([]string{
			v.ID,
			v.Name,
			v.Provider,
			v.Server,
			v.Transport,
			active,
			fmt.Sprintf("%d", v.FailureCount),
			formatTime(v.LastTestedAt),
		})
	}
	table.Render()
}

func renderConfig(w io.Writer, v registry.View) {
	table := newTable(w, "Field", "Value")
	secret := "not set"
	if v.HasSecret {
		secret = "set"
	}
	ice := make([]string, 0, len(v.ICEServers))
	for _, s := range v.ICEServers {
		ice = append(ice, strings.Join(s.URLs, " "))
	}
	rows := [][]string{
		{"ID", v.ID},
		{"Name", v.Name},
		{"Provider", v.Provider},
		{"URI", v.URI},
		{"Username", v.Username},
		{"Secret", secret},
		{"Server", v.Server},
		{"Display Name", v.DisplayName},
		{"Transport", v.Transport},
		{"Signaling URL", v.SignalingURL},
		{"ICE Servers", strings.Join(ice, ", ")},
		{"Registration Expiry", fmt.Sprintf("%ds", v.RegistrationExpirySec)},
		{"Connection Timeout", fmt.Sprintf("%dms", v.ConnectionTimeoutMs)},
		{"Reconnect", fmt.Sprintf("%d attempts from %dms", v.MaxReconnectAttempts, v.ReconnectBaseDelayMs)},
		{"Active", fmt.Sprintf("%t", v.IsActive)},
		{"Failures", fmt.Sprintf("%d", v.FailureCount)},
		{"Created", v.CreatedAt.Format(time.RFC3339)},
		{"Updated", v.UpdatedAt.Format(time.RFC3339)},
	}
	table.AppendBulk(rows)
	table.Render()

	if len(v.ConnectionHistory) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Recent tests:")
	hist := newTable(w, "Time", "Result", "Latency", "Message")
	for _, r := range v.ConnectionHistory {
		hist.Append([]string{r.Timestamp.Format(time.RFC3339), result(r.Success), fmt.Sprintf("%dms", r.LatencyMs), r.Message})
	}
	hist.Render()
}

func renderTest(w io.Writer, r registry.TestResult) {
	if r.Success {
		color.New(color.FgGreen).Fprintf(w, "✓ %s reachable in %dms: %s\n", r.ConfigID, r.LatencyMs, r.Message)
		return
	}
	color.New(color.FgRed).Fprintf(w, "✗ %s failed after %dms: %s\n", r.ConfigID, r.LatencyMs, r.Message)
}

func result(ok bool) string {
	if ok {
		return color.GreenString("ok")
	}
	return color.RedString("failed")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
