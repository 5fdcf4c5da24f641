// Package doctor checks that the local environment can run the worker.
package doctor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/neuron/internal/config"
	"github.com/mpataki/neuron/internal/lua"
	"github.com/mpataki/neuron/internal/models"
)

type Check struct {
	OK      bool
	Label   string
	Details string
}

type Report struct {
	Checks []Check
}

func (r *Report) record(ok bool, label, details string) {
	r.Checks = append(r.Checks, Check{OK: ok, Label: label, Details: details})
}

// Failed reports whether any check failed.
func (r *Report) Failed() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return true
		}
	}
	return false
}

// LookPath resolves executables; tests replace it.
var LookPath = exec.LookPath

func Run(cfg *config.Config) *Report {
	r := &Report{}

	r.record(cfg.Wallet != "", "wallet configured", missing(cfg.Wallet, "Missing wallet"))
	r.record(cfg.Token != "", "token configured", missing(cfg.Token, "Missing token"))
	r.record(cfg.Settings.ServerURL != "", "server_url configured", orElse(cfg.Settings.ServerURL, "Missing server_url"))
	r.record(cfg.Agent.Type.Valid(), "agent type supported", string(cfg.Agent.Type))

	checkAgentCommand(r, cfg.Agent)
	checkScript(r, cfg.Agent)
	checkWorkDir(r, cfg.Settings.DefaultWorkDir)
	checkJournal(r, cfg.Settings.JournalPath)

	return r
}

func checkAgentCommand(r *Report, agent models.AgentProfile) {
	if agent.Command == "" {
		r.record(false, "agent command configured", "Missing agent.command")
		return
	}
	path, err := LookPath(agent.Command)
	if err != nil {
		r.record(false, "agent command available", agent.Command)
		return
	}
	r.record(true, "agent command available", path)
}

func checkScript(r *Report, agent models.AgentProfile) {
	if agent.Type != models.AgentScript {
		return
	}
	if agent.Script == "" {
		r.record(false, "agent script loads", "Missing agent.script")
		return
	}
	if _, err := lua.Load(agent.Script); err != nil {
		r.record(false, "agent script loads", err.Error())
		return
	}
	r.record(true, "agent script loads", agent.Script)
}

func checkWorkDir(r *Report, dir string) {
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	r.record(err == nil && info.IsDir(), "default_work_dir exists", dir)
}

func checkJournal(r *Report, path string) {
	if path == "" {
		return
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.record(false, "journal directory writable", err.Error())
		return
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		r.record(false, "journal directory writable", err.Error())
		return
	}
	f.Close()
	os.Remove(f.Name())
	r.record(true, "journal directory writable", dir)
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render("Neuron Doctor"))
	fmt.Fprintln(w, "=============")
	for _, c := range r.Checks {
		status := okStyle.Render("[OK]")
		if !c.OK {
			status = failStyle.Render("[FAIL]")
		}
		line := status + " " + c.Label
		if c.Details != "" {
			line += dimStyle.Render(" -> " + c.Details)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	if r.Failed() {
		fmt.Fprintln(w, "Doctor found issues. Fix the failures and retry.")
		return
	}
	fmt.Fprintln(w, "Doctor checks passed.")
}

func missing(value, msg string) string {
	if value == "" {
		return msg
	}
	return ""
}

func orElse(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
