package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/alekspetrov/hookpilot/internal/config"
	"github.com/alekspetrov/hookpilot/internal/health"
)

// Tagline is the project tagline
const Tagline = "Mentions in, agent runs out"

// Roles names what a process runs, for the startup header.
type Roles struct {
	Gateway bool
	Worker  bool
}

// StartupWithHealth prints the startup banner with feature status
func StartupWithHealth(w io.Writer, version string, cfg *config.Config, roles Roles) {
	report := health.RunChecks(cfg)

	// Header
	fmt.Fprintln(w)
	fmt.Fprintf(w, "HOOKPILOT v%s │ %s\n", version, Tagline)
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if roles.Gateway {
		fmt.Fprintf(w, "Gateway:  http://%s\n", cfg.Gateway.Addr())
	}
	if roles.Worker && cfg.Runner != nil {
		fmt.Fprintf(w, "Runner:   %s (timeout %s)\n", cfg.Runner.Command, cfg.Runner.Timeout)
	}
	fmt.Fprintf(w, "Backends: store %s, queue %s, stream %s\n", cfg.Store.Driver, cfg.Queue.Backend, cfg.Stream.Backend)
	fmt.Fprintln(w)

	// Features in compact grid
	features := report.Features
	cols := 4
	colWidth := 14

	for i, f := range features {
		name := f.Name
		if f.Note != "" {
			name = f.Name + "*"
		}
		fmt.Fprintf(w, "%s %-*s", f.Status.Symbol(), colWidth-2, name)
		if (i+1)%cols == 0 || i == len(features)-1 {
			fmt.Fprintln(w)
		}
	}

	// Notes for warnings
	var notes []string
	for _, f := range features {
		if f.Note != "" {
			notes = append(notes, fmt.Sprintf("  * %s: %s", f.Name, f.Note))
		}
	}
	for _, c := range report.Dependencies {
		if c.Status == health.StatusError {
			notes = append(notes, fmt.Sprintf("  ✗ %s: %s", c.Name, c.Message))
		}
	}
	if len(notes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Join(notes, "\n"))
	}
	fmt.Fprintln(w)
}
