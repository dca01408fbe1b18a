package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxReadBytes   = 256 * 1024
	maxGrepMatches = 100
	maxGlobResults = 500
)

// resolvePath joins a tool-supplied relative path against the workspace
// root and rejects escapes.
func resolvePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

func readFileTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace. Returns at most 256KB of content.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"}
			},
			"required": ["path"]
		}`),
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			path, err := resolvePath(o.WorkspaceDir, args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", args.Path, err)
			}
			if len(data) > maxReadBytes {
				return string(data[:maxReadBytes]) + "\n[truncated]", nil
			}
			return string(data), nil
		},
	}
}

func globTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "glob",
		Description: "List workspace files matching a glob pattern, for example 'internal/**' or '*.go'.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern relative to the workspace root"}
			},
			"required": ["pattern"]
		}`),
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if args.Pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}

			var matches []string
			err := filepath.WalkDir(o.WorkspaceDir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				rel, err := filepath.Rel(o.WorkspaceDir, path)
				if err != nil {
					return nil
				}
				if matchGlob(args.Pattern, rel) {
					matches = append(matches, rel)
					if len(matches) >= maxGlobResults {
						return filepath.SkipAll
					}
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "no files matched", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

// matchGlob matches a path against a pattern, treating a trailing "/**" or
// a bare basename pattern the way agents expect.
func matchGlob(pattern, rel string) bool {
	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	if !strings.Contains(pattern, "/") {
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

func grepTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "grep",
		Description: "Search workspace files for a regular expression. Returns matching lines as path:line:text.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Go regular expression"},
				"glob": {"type": "string", "description": "Optional glob limiting which files are searched"}
			},
			"required": ["pattern"]
		}`),
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
				Glob    string `json:"glob"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			re, err := regexp.Compile(args.Pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}

			var out []string
			err = filepath.WalkDir(o.WorkspaceDir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				rel, err := filepath.Rel(o.WorkspaceDir, path)
				if err != nil {
					return nil
				}
				if args.Glob != "" && !matchGlob(args.Glob, rel) {
					return nil
				}

				f, err := os.Open(path)
				if err != nil {
					return nil
				}
				defer f.Close()

				scanner := bufio.NewScanner(f)
				scanner.Buffer(make([]byte, 64*1024), 1024*1024)
				line := 0
				for scanner.Scan() {
					line++
					if re.MatchString(scanner.Text()) {
						out = append(out, fmt.Sprintf("%s:%d:%s", rel, line, scanner.Text()))
						if len(out) >= maxGrepMatches {
							return filepath.SkipAll
						}
					}
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(out) == 0 {
				return "no matches", nil
			}
			return strings.Join(out, "\n"), nil
		},
	}
}

func writeFileTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"},
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["path", "content"]
		}`),
		Mutating: true,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			path, err := resolvePath(o.WorkspaceDir, args.Path)
			if err != nil {
				return "", err
			}

			return o.withLock(ctx, func(context.Context) (string, error) {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return "", fmt.Errorf("create parent directory: %w", err)
				}
				if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
					return "", fmt.Errorf("write %s: %w", args.Path, err)
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
			})
		},
	}
}

func editFileTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "edit_file",
		Description: "Replace an exact string in a workspace file. The old string must occur exactly once.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"},
				"old": {"type": "string", "description": "Exact text to replace"},
				"new": {"type": "string", "description": "Replacement text"}
			},
			"required": ["path", "old", "new"]
		}`),
		Mutating: true,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
				Old  string `json:"old"`
				New  string `json:"new"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if args.Old == "" {
				return "", fmt.Errorf("old string is required")
			}
			path, err := resolvePath(o.WorkspaceDir, args.Path)
			if err != nil {
				return "", err
			}

			return o.withLock(ctx, func(context.Context) (string, error) {
				data, err := os.ReadFile(path)
				if err != nil {
					return "", fmt.Errorf("read %s: %w", args.Path, err)
				}
				content := string(data)
				switch strings.Count(content, args.Old) {
				case 0:
					return "", fmt.Errorf("old string not found in %s", args.Path)
				case 1:
				default:
					return "", fmt.Errorf("old string occurs more than once in %s", args.Path)
				}
				content = strings.Replace(content, args.Old, args.New, 1)
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return "", fmt.Errorf("write %s: %w", args.Path, err)
				}
				return fmt.Sprintf("edited %s", args.Path), nil
			})
		},
	}
}
