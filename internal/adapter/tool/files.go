package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// maxFileBytes bounds how much of a local file is handed to the model.
const maxFileBytes = 256 * 1024

// resolveUnder joins path against root and rejects escapes.
func resolveUnder(root, path string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(root, path))
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox root: %s", path)
	}
	return abs, nil
}

// FileTools returns the local document tools, sandboxed under cfg.Root.
func FileTools(cfg config.FilesConfig, logger *slog.Logger) []domain.Tool {
	root := cfg.Root
	if root == "" {
		root = "."
	}
	return []domain.Tool{
		&apiTool{
			name: "files_read",
			desc: "Read a local text document (txt, md, csv, log) under the configured root.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string", "description": "Path relative to the files root"}},
				"required": ["path"]
			}`),
			run: func(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				abs, err := resolveUnder(root, p.Path)
				if err != nil {
					return errResult(err), nil
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return errResult(err), nil
				}
				if len(data) > maxFileBytes {
					data = data[:maxFileBytes]
					logger.Debug("file truncated for model context", "path", p.Path)
				}
				return okText(string(data))
			},
		},
		&apiTool{
			name: "files_list",
			desc: "List files in a directory under the configured root.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string", "description": "Directory, default the root itself"}}
			}`),
			run: func(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				abs, err := resolveUnder(root, p.Path)
				if err != nil {
					return errResult(err), nil
				}
				entries, err := os.ReadDir(abs)
				if err != nil {
					return errResult(err), nil
				}
				if len(entries) == 0 {
					return okText("Empty directory.")
				}
				var b strings.Builder
				for _, e := range entries {
					if e.IsDir() {
						fmt.Fprintf(&b, "%s/\n", e.Name())
					} else {
						fmt.Fprintf(&b, "%s\n", e.Name())
					}
				}
				return okText(b.String())
			},
		},
	}
}
