package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxFileReadBytes = 256 * 1024

// FileGroup builds the optional filesystem tools. All paths resolve
// against the session working directory and may not escape it.
func FileGroup() *Group {
	return &Group{
		ID: GroupFile,
		Defs: []Definition{
			{
				Name:        "read_file",
				Description: "Read a text file. Large files are truncated.",
				Parameters: ObjectSchema(map[string]any{
					"path": StringProp("File path, relative to the working directory."),
				}, "path"),
				GroupID: GroupFile,
			},
			{
				Name:        "write_file",
				Description: "Create or overwrite a file with the given content.",
				Parameters: ObjectSchema(map[string]any{
					"path":    StringProp("File path, relative to the working directory."),
					"content": StringProp("Full file content."),
				}, "path", "content"),
				GroupID:          GroupFile,
				RequiresApproval: true,
			},
			{
				Name:        "edit_file",
				Description: "Replace an exact string in a file. old_string must appear exactly once.",
				Parameters: ObjectSchema(map[string]any{
					"path":       StringProp("File path, relative to the working directory."),
					"old_string": StringProp("Exact text to replace."),
					"new_string": StringProp("Replacement text."),
				}, "path", "old_string", "new_string"),
				GroupID:          GroupFile,
				RequiresApproval: true,
			},
			{
				Name:        "list_dir",
				Description: "List the entries of a directory.",
				Parameters: ObjectSchema(map[string]any{
					"path": StringProp("Directory path, relative to the working directory. Defaults to the working directory."),
				}),
				GroupID: GroupFile,
			},
		},
		Handlers: map[string]Handler{
			"read_file":  readFile,
			"write_file": writeFile,
			"edit_file":  editFile,
			"list_dir":   listDir,
		},
	}
}

// resolvePath joins a tool-supplied path with the working directory and
// rejects results that escape it.
func resolvePath(workingDir, path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workingDir, path)
	}
	abs = filepath.Clean(abs)

	root := filepath.Clean(workingDir)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", path)
	}
	return abs, nil
}

func readFile(_ context.Context, args map[string]any, tctx *Context) *Result {
	path, err := resolvePath(tctx.WorkingDirectory, stringArg(args, "path"))
	if err != nil {
		return Fail(err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Fail(err.Error())
	}
	if len(data) > maxFileReadBytes {
		return Ok(string(data[:maxFileReadBytes]) +
			fmt.Sprintf("\n\n[truncated: %d of %d bytes shown]", maxFileReadBytes, len(data)))
	}
	return Ok(string(data))
}

func writeFile(_ context.Context, args map[string]any, tctx *Context) *Result {
	path, err := resolvePath(tctx.WorkingDirectory, stringArg(args, "path"))
	if err != nil {
		return Fail(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Fail(err.Error())
	}
	content := stringArg(args, "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Fail(err.Error())
	}
	return Ok(fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(args, "path")))
}

func editFile(_ context.Context, args map[string]any, tctx *Context) *Result {
	path, err := resolvePath(tctx.WorkingDirectory, stringArg(args, "path"))
	if err != nil {
		return Fail(err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Fail(err.Error())
	}
	oldStr := stringArg(args, "old_string")
	newStr := stringArg(args, "new_string")
	if oldStr == "" {
		return Fail("old_string is empty")
	}
	count := strings.Count(string(data), oldStr)
	if count == 0 {
		return Fail("old_string not found in file")
	}
	if count > 1 {
		return Fail(fmt.Sprintf("old_string appears %d times; it must be unique", count))
	}
	updated := strings.Replace(string(data), oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return Fail(err.Error())
	}
	return Ok("Edited " + stringArg(args, "path"))
}

func listDir(_ context.Context, args map[string]any, tctx *Context) *Result {
	path, err := resolvePath(tctx.WorkingDirectory, stringArg(args, "path"))
	if err != nil {
		return Fail(err.Error())
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Fail(err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Ok("(empty directory)")
	}
	return Ok(strings.Join(names, "\n"))
}

// PreviewEdit computes the post-edit file contents for the approval diff
// without touching the file. Used by the executor's edit_file preview
// path.
func PreviewEdit(workingDir string, args map[string]any) (path, original, updated string, err error) {
	resolved, err := resolvePath(workingDir, stringArg(args, "path"))
	if err != nil {
		return "", "", "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", "", err
	}
	oldStr := stringArg(args, "old_string")
	if oldStr == "" || !strings.Contains(string(data), oldStr) {
		return "", "", "", fmt.Errorf("old_string not found in %s", stringArg(args, "path"))
	}
	updated = strings.Replace(string(data), oldStr, stringArg(args, "new_string"), 1)
	return stringArg(args, "path"), string(data), updated, nil
}

// LanguageForPath guesses a syntax-highlighting language id from the
// file extension, for the UI diff view.
func LanguageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".js", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".md":
		return "markdown"
	case ".sh":
		return "shell"
	case ".html":
		return "html"
	case ".css":
		return "css"
	default:
		return "plaintext"
	}
}
