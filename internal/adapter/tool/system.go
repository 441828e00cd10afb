package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// StatusCollector gathers host diagnostics. It backs both the
// system_status tool and the streaming reflex shortcut.
type StatusCollector struct {
	start time.Time
}

// NewStatusCollector creates a collector anchored at process start.
func NewStatusCollector() *StatusCollector {
	return &StatusCollector{start: time.Now()}
}

// Status implements domain.StatusReporter.
func (s *StatusCollector) Status(_ context.Context) (string, error) {
	hostname, _ := os.Hostname()

	var b strings.Builder
	fmt.Fprintf(&b, "All systems operational.\n")
	fmt.Fprintf(&b, "Host: %s (%s/%s)\n", hostname, runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(s.start).Round(time.Second))

	// Load average is best-effort and linux-only.
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			fmt.Fprintf(&b, "Load: %s %s %s\n", fields[0], fields[1], fields[2])
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(&b, "Process memory: %d MB", mem.Alloc/1024/1024)

	return b.String(), nil
}

var _ domain.StatusReporter = (*StatusCollector)(nil)

// commandAllowed checks the optional allowlist. An empty list permits
// everything; the list matches on the first shell word.
func commandAllowed(command string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, a := range allowed {
		if fields[0] == a {
			return true
		}
	}
	return false
}

// SystemTools returns the host tools: status, shell execution, and app launch.
func SystemTools(cfg config.SystemConfig, status *StatusCollector, logger *slog.Logger) []domain.Tool {
	if status == nil {
		status = NewStatusCollector()
	}
	shellTimeout := cfg.ShellTimeout
	if shellTimeout <= 0 {
		shellTimeout = 30 * time.Second
	}

	return []domain.Tool{
		&apiTool{
			name:   "system_status",
			desc:   "Report host diagnostics: CPU, memory, load, uptime.",
			params: json.RawMessage(`{"type": "object", "properties": {}}`),
			run: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
				report, err := status.Status(ctx)
				if err != nil {
					return errResult(err), nil
				}
				return okText(report)
			},
		},
		&apiTool{
			name: "system_exec",
			desc: "Run a shell command on the host and return its combined output.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"command": {"type": "string"}},
				"required": ["command"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Command string `json:"command"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				if !commandAllowed(p.Command, cfg.AllowedCommands) {
					return errResult(fmt.Errorf("command not in allowlist: %s", p.Command)), nil
				}

				logger.Info("executing shell command", "command", p.Command)
				execCtx, cancel := context.WithTimeout(ctx, shellTimeout)
				defer cancel()

				out, err := exec.CommandContext(execCtx, "sh", "-c", p.Command).CombinedOutput()
				if err != nil {
					return errResult(fmt.Errorf("%v: %s", err, out)), nil
				}
				if len(out) == 0 {
					return okText("(no output)")
				}
				return okText(string(out))
			},
		},
		&apiTool{
			name: "system_launch_app",
			desc: "Launch a desktop application by name.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"app": {"type": "string", "description": "Application name, e.g. Chrome"}},
				"required": ["app"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					App string `json:"app"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}

				var cmd *exec.Cmd
				switch runtime.GOOS {
				case "darwin":
					cmd = exec.CommandContext(ctx, "open", "-a", p.App)
				case "windows":
					cmd = exec.CommandContext(ctx, "cmd", "/c", "start", "", p.App)
				default:
					cmd = exec.CommandContext(ctx, "xdg-open", p.App)
				}

				if err := cmd.Start(); err != nil {
					return errResult(fmt.Errorf("launch %s: %w", p.App, err)), nil
				}
				logger.Info("launched application", "app", p.App)
				return okText("Launched " + p.App)
			},
		},
	}
}
