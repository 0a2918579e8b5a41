package coretools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

const (
	defaultReadBytes  = 200000
	defaultMaxEntries = 500
)

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Category:    toolexecutor.CategoryFiles,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: defaultReadBytes},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			pathValue, target, err := workspacePath(opts, params)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(toolexecutor.IntParam(params, "max_bytes", defaultReadBytes))
			if maxBytes <= 0 {
				maxBytes = defaultReadBytes
			}
			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories.",
		Category:    toolexecutor.CategoryFiles,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to the file (default false)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			pathValue, target, err := workspacePath(opts, params)
			if err != nil {
				return nil, err
			}
			content := toolexecutor.StringParam(params, "content", "")
			appendMode := toolexecutor.BoolParam(params, "append", false)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			tc.Log().Debug().Str("path", pathValue).Int("bytes", len(content)).Msg("File written")
			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Category:    toolexecutor.CategoryFiles,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			pathValue, target, err := workspacePath(opts, params)
			if err != nil {
				return nil, err
			}
			search, err := toolexecutor.RequiredString(params, "search")
			if err != nil {
				return nil, err
			}
			replace := toolexecutor.StringParam(params, "replace", "")

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found in %s", pathValue)
			}
			var updated string
			if toolexecutor.BoolParam(params, "replace_all", false) {
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
				updated = strings.Replace(content, search, replace, 1)
			}

			info, err := os.Stat(target)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(target, []byte(updated), info.Mode().Perm()); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

type fileEntry struct {
	Path  string `json:"path"`
	Dir   bool   `json:"dir,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
}

func listFilesTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_files",
		Description: "List files in a workspace directory.",
		Category:    toolexecutor.CategoryFiles,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Directory relative to the workspace (default .)", Default: "."},
			{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories (default false)"},
			{Name: "max_entries", Type: "integer", Description: "Maximum entries to return (default 500)", Default: defaultMaxEntries},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			pathValue := toolexecutor.StringParam(params, "path", ".")
			root, err := sandbox.ResolvePath(opts.Executor.WorkspaceRoot(), pathValue)
			if err != nil {
				return nil, err
			}
			recursive := toolexecutor.BoolParam(params, "recursive", false)
			limit := toolexecutor.IntParam(params, "max_entries", defaultMaxEntries)
			if limit <= 0 {
				limit = defaultMaxEntries
			}

			entries, truncated, err := listEntries(ctx, root, recursive, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      pathValue,
				"entries":   entries,
				"truncated": truncated,
			}, nil
		},
	}
}

var errListLimit = errors.New("entry limit reached")

func listEntries(ctx context.Context, root string, recursive bool, limit int) ([]fileEntry, bool, error) {
	entries := []fileEntry{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if len(entries) >= limit {
			return errListLimit
		}

		rel, _ := filepath.Rel(root, p)
		entry := fileEntry{Path: filepath.ToSlash(rel), Dir: d.IsDir()}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				entry.Bytes = info.Size()
			}
		}
		entries = append(entries, entry)

		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	truncated := errors.Is(err, errListLimit)
	if err != nil && !truncated {
		return nil, false, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, truncated, nil
}

func workspacePath(opts Options, params map[string]interface{}) (string, string, error) {
	pathValue, err := toolexecutor.RequiredString(params, "path")
	if err != nil {
		return "", "", err
	}
	target, err := sandbox.ResolvePath(opts.Executor.WorkspaceRoot(), pathValue)
	if err != nil {
		return "", "", err
	}
	return pathValue, target, nil
}

func readFileWithLimit(path string, maxBytes int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}
