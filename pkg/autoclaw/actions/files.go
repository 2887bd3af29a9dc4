// Package actions – files.go registers the built-in file actions over a
// root-confined workspace. Every handler re-checks the caller's permission
// immediately before touching the filesystem, so a revoke that lands
// between rule match and action execution still takes effect.
package actions

import (
	"context"
	"fmt"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/workspace"
)

// Built-in file action kinds.
const (
	KindFilesRead  = "files.read"
	KindFilesWrite = "files.write"
	KindFilesList  = "files.list"
)

// ResourceFiles is the permission resource guarding file actions.
const ResourceFiles = "files"

// maxReadBytes caps files.read output so one action can't flood an
// execution result row.
const maxReadBytes = 256 * 1024

// RegisterFileActions registers files.read, files.write and files.list
// over the given workspace, gated by the permission manager.
func RegisterFileActions(reg *Registry, fs *workspace.FS, perms *permission.Manager) error {
	read := Definition{
		Kind:        KindFilesRead,
		Description: "Read the contents of a workspace file.",
		Resource:    ResourceFiles,
		Operation:   "read",
		PathParam:   "path",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative file path",
				},
			},
			"required":             []string{"path"},
			"additionalProperties": false,
		},
	}
	if err := reg.Register(read, func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
		path, _ := params["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("path is required")
		}
		if err := perms.Require(ctx, userID, ResourceFiles, "read", permission.CheckScope{Path: path}); err != nil {
			return nil, err
		}
		data, err := fs.Read(path)
		if err != nil {
			return nil, err
		}
		truncated := false
		if len(data) > maxReadBytes {
			data = data[:maxReadBytes]
			truncated = true
		}
		out := map[string]any{
			"path":    path,
			"content": string(data),
		}
		if truncated {
			out["truncated"] = true
		}
		return out, nil
	}); err != nil {
		return err
	}

	write := Definition{
		Kind:        KindFilesWrite,
		Description: "Write content to a workspace file, creating parents as needed.",
		Resource:    ResourceFiles,
		Operation:   "write",
		PathParam:   "path",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative file path",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write",
				},
			},
			"required":             []string{"path", "content"},
			"additionalProperties": false,
		},
	}
	if err := reg.Register(write, func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
		path, _ := params["path"].(string)
		content, hasContent := params["content"].(string)
		if path == "" {
			return nil, fmt.Errorf("path is required")
		}
		if !hasContent {
			return nil, fmt.Errorf("content is required")
		}
		if err := perms.Require(ctx, userID, ResourceFiles, "write", permission.CheckScope{Path: path}); err != nil {
			return nil, err
		}
		if err := fs.Write(path, []byte(content)); err != nil {
			return nil, err
		}
		return map[string]any{
			"path":  path,
			"bytes": len(content),
		}, nil
	}); err != nil {
		return err
	}

	list := Definition{
		Kind:        KindFilesList,
		Description: "List the entries of a workspace directory.",
		Resource:    ResourceFiles,
		Operation:   "list",
		PathParam:   "path",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative directory path",
				},
			},
			"required":             []string{"path"},
			"additionalProperties": false,
		},
	}
	return reg.Register(list, func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
		path, _ := params["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("path is required")
		}
		if err := perms.Require(ctx, userID, ResourceFiles, "list", permission.CheckScope{Path: path}); err != nil {
			return nil, err
		}
		entries, err := fs.List(path)
		if err != nil {
			return nil, err
		}
		items := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			items = append(items, map[string]any{
				"name":   e.Name,
				"size":   e.Size,
				"is_dir": e.IsDir,
			})
		}
		return map[string]any{
			"path":    path,
			"entries": items,
		}, nil
	})
}
