package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rileywarren/codex-swarm/internal/config"
)

// resolveRepoPath returns the repo to operate on: explicit flag value,
// else CODEX_SWARM_REPO, else the current directory.
func resolveRepoPath(flagValue string) (string, error) {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue, nil
	}
	if envDir := strings.TrimSpace(os.Getenv("CODEX_SWARM_REPO")); envDir != "" {
		return envDir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return dir, nil
}

// loadConfig loads the layered AppConfig from configPath, applying any
// dotted-key cliOverrides (as produced by flag bindings).
func loadConfig(configPath string, cliOverrides map[string]any) (*config.AppConfig, error) {
	cfg, err := config.Load(configPath, cliOverrides)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// printHeader prints a formatted section header.
func printHeader(title string) {
	fmt.Printf("\n%s\n", styleBoldCyan(title))
	fmt.Println(colorDim(strings.Repeat("-", len(title)+2)))
}

// printField prints a labeled field.
func printField(label, value string) {
	fmt.Printf("  %s %s\n", colorBold(fmt.Sprintf("%-16s", label+":")), value)
}

// printFieldColored prints a labeled field with a colored value.
func printFieldColored(label, value string, colorFn func(a ...any) string) {
	fmt.Printf("  %s %s\n", colorBold(fmt.Sprintf("%-16s", label+":")), colorFn(value))
}

// statusColor returns the coloring function for a given status string.
func statusColor(status string) func(a ...any) string {
	switch strings.ToLower(status) {
	case "completed", "merged", "success":
		return colorGreen
	case "running", "queued":
		return colorYellow
	case "failed", "timed_out", "blocked":
		return colorRed
	case "pending_approval":
		return colorBlue
	default:
		return colorWhite
	}
}

// statusBadge returns a colored status badge.
func statusBadge(status string) string {
	colorFn := statusColor(status)
	return colorFn(fmt.Sprintf("[%s]", status))
}

// printTable prints a simple table with headers and rows.
func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println(colorDim("  (none)"))
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				stripped := stripAnsi(cell)
				if len(stripped) > widths[i] {
					widths[i] = len(stripped)
				}
			}
		}
	}

	headerLine := "  "
	for i, h := range headers {
		headerLine += colorBold(fmt.Sprintf("%-*s", widths[i]+2, h))
	}
	fmt.Println(headerLine)

	sepLine := "  "
	for _, w := range widths {
		sepLine += colorDim(strings.Repeat("-", w+2))
	}
	fmt.Println(sepLine)

	for _, row := range rows {
		rowLine := "  "
		for i, cell := range row {
			if i < len(widths) {
				stripped := stripAnsi(cell)
				padding := widths[i] - len(stripped)
				if padding < 0 {
					padding = 0
				}
				rowLine += cell + strings.Repeat(" ", padding+2)
			}
		}
		fmt.Println(rowLine)
	}
}

// stripAnsi removes ANSI escape codes from a string (for width calculation).
func stripAnsi(s string) string {
	var out strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// truncate truncates a string to a given max length, adding "..." if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
