// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

// WorkspaceInfo describes a detected workspace root.
type WorkspaceInfo struct {
	// Root is the absolute directory containing the workspace marker.
	Root string `json:"root"`

	// Marker is the file that identified the root (e.g. "go.mod").
	Marker string `json:"marker"`

	// Module is the declared module path for Go workspaces, empty
	// otherwise.
	Module string `json:"module,omitempty"`
}

// workspaceMarkers in precedence order. go.work outranks go.mod so a
// multi-module Go workspace gets one analyzer at its top level.
var workspaceMarkers = []string{
	"go.work",
	"go.mod",
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	".git",
}

// FindWorkspace walks up from a path to the nearest workspace root.
//
// Description:
//
//	Checks each parent directory for a workspace marker. For Go
//	workspaces the go.mod is parsed to recover the module path, which
//	diagnostics and symbol results report alongside file paths.
//
// Errors:
//
//	ErrNoWorkspace - no marker found between the path and filesystem root
func FindWorkspace(path string) (WorkspaceInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return WorkspaceInfo{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(abs)
	}

	for dir := abs; ; dir = filepath.Dir(dir) {
		for _, marker := range workspaceMarkers {
			candidate := filepath.Join(dir, marker)
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			ws := WorkspaceInfo{Root: dir, Marker: marker}
			if marker == "go.mod" {
				ws.Module = goModulePath(candidate)
			}
			return ws, nil
		}
		if dir == filepath.Dir(dir) {
			return WorkspaceInfo{}, fmt.Errorf("%s: %w", path, ErrNoWorkspace)
		}
	}
}

// goModulePath reads the module declaration from a go.mod. Returns empty
// on any parse failure; the root is still usable without it.
func goModulePath(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}
