package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	"tern/internal/agent/approval"
	"tern/internal/agent/ports"
)

var riskColors = map[ports.RiskLevel]*color.Color{
	ports.RiskLow:      color.New(color.FgGreen),
	ports.RiskMedium:   color.New(color.FgYellow),
	ports.RiskHigh:     color.New(color.FgRed),
	ports.RiskCritical: color.New(color.FgRed, color.Bold),
}

// promptApproval asks the user to decide a pending request. Without a TTY it
// leaves the request to the gate's timeout.
func (ui *consoleUI) promptApproval(msg ports.ApprovalRequestedEvent) {
	req := msg.Request
	riskStyle, ok := riskColors[req.Risk]
	if !ok {
		riskStyle = riskColors[ports.RiskCritical]
	}

	fmt.Fprintln(ui.out)
	riskStyle.Fprintf(ui.out, "approval required [%s risk] %s\n", req.Risk, req.Command)
	if req.Summary != "" {
		fmt.Fprintln(ui.out, req.Summary)
	}
	if req.Diff != "" {
		fmt.Fprintln(ui.out, colorizeDiff(req.Diff))
	}
	if !ui.isTTY {
		warnStyle.Fprintln(ui.out, "no terminal attached; request will time out")
		return
	}

	promptStyle.Fprint(ui.out, "approve? [y/N] ")
	line, err := ui.in.ReadString('\n')
	if err != nil {
		ui.logger.Warn("approval prompt read failed: %v", err)
		return
	}
	answer := strings.ToLower(strings.TrimSpace(line))

	response := ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "rejected by user"}
	if answer == "y" || answer == "yes" {
		response = ports.ApprovalResponse{Decision: ports.DecisionApprove, Reason: "approved by user"}
	}
	if _, err := ui.agent.Submit(ports.ExecApprovalOp{ApprovalID: msg.ApprovalID, Response: response}); err != nil {
		ui.logger.Warn("approval submit failed: %v", err)
	}
}

func colorizeDiff(diff string) string {
	var b strings.Builder
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			b.WriteString(color.GreenString(line))
		case strings.HasPrefix(line, "-"):
			b.WriteString(color.RedString(line))
		default:
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// diffAwareAssessor grades builtins and, for file writes, summarizes the
// change as a diff against the current file content.
func diffAwareAssessor(workdir string) approval.RiskAssessor {
	return func(name, arguments string) (ports.RiskLevel, string) {
		if name != "write_file" {
			return approval.DefaultRiskAssessor(name, arguments)
		}

		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Path == "" {
			return ports.RiskHigh, fmt.Sprintf("write_file %s", arguments)
		}

		path := args.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workdir, path)
		}
		existing, err := os.ReadFile(path)
		if err != nil {
			return ports.RiskHigh, fmt.Sprintf("create %s (%d bytes)", args.Path, len(args.Content))
		}

		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(string(existing), args.Content, false)
		patches := dmp.PatchMake(string(existing), diffs)
		return ports.RiskHigh, fmt.Sprintf("overwrite %s\n%s", args.Path, dmp.PatchToText(patches))
	}
}
