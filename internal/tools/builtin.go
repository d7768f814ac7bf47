package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tern/internal/agent/ports"
)

// RegisterBuiltins adds the small built-in tool set used by the CLI.
func RegisterBuiltins(r *Registry, workdir string) {
	r.Register(ports.ToolDefinition{
		Name:        "echo",
		Description: "Echo the provided text back to the model.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}, func(_ context.Context, args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		return text, nil
	})

	r.Register(ports.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file relative to the working directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
	}, func(_ context.Context, args map[string]any) (string, error) {
		rel, _ := args["path"].(string)
		if rel == "" {
			return "", fmt.Errorf("path is required")
		}
		path := resolvePath(workdir, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})

	r.Register(ports.ToolDefinition{
		Name:        "write_file",
		Description: "Write a text file relative to the working directory, replacing any existing content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
	}, func(_ context.Context, args map[string]any) (string, error) {
		rel, _ := args["path"].(string)
		content, _ := args["content"].(string)
		if rel == "" {
			return "", fmt.Errorf("path is required")
		}
		path := resolvePath(workdir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
	})
}

func resolvePath(workdir, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(workdir, rel)
}
