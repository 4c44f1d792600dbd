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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedDefaults(t *testing.T) {
	registry, err := Load(context.Background())
	require.NoError(t, err)

	t.Run("known languages resolve", func(t *testing.T) {
		lang, err := registry.Language("go")
		require.NoError(t, err)
		assert.Equal(t, "gopls", lang.Command)
		assert.Contains(t, lang.Extensions, ".go")

		_, err = registry.Language("cobol")
		assert.ErrorIs(t, err, ErrUnknownLanguage)
	})

	t.Run("extensions resolve case-insensitively", func(t *testing.T) {
		lang, err := registry.LanguageForFile("/src/pkg/widget.go")
		require.NoError(t, err)
		assert.Equal(t, "go", lang)

		lang, err = registry.LanguageForFile("/src/app/Main.TSX")
		require.NoError(t, err)
		assert.Equal(t, "typescript", lang)

		_, err = registry.LanguageForFile("/src/readme.md")
		assert.ErrorIs(t, err, ErrUnknownLanguage)
	})

	t.Run("tool classification", func(t *testing.T) {
		spec, err := registry.Tool("find_references")
		require.NoError(t, err)
		assert.Equal(t, ToolRead, spec.Kind)

		spec, err = registry.Tool("rename_symbol")
		require.NoError(t, err)
		assert.Equal(t, ToolMutation, spec.Kind)
		assert.Equal(t, 2, spec.Priority)

		spec, err = registry.Tool("format_file")
		require.NoError(t, err)
		assert.Equal(t, 10, spec.Priority)

		_, err = registry.Tool("launch_missiles")
		assert.ErrorIs(t, err, ErrUnknownTool)
	})

	t.Run("refactors outrank writes", func(t *testing.T) {
		refactor, err := registry.Tool("apply_refactor")
		require.NoError(t, err)
		write, err := registry.Tool("write_file")
		require.NoError(t, err)
		assert.Less(t, refactor.Priority, write.Priority)
	})

	assert.Positive(t, registry.LanguageCount())
	assert.Positive(t, registry.LoadedAt())
}

func TestLoad_ExternalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "languages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
languages:
  - language: zig
    command: zls
    extensions: [".zig"]
`), 0o644))
	t.Setenv(RegistryPathEnv, path)

	registry, err := Load(context.Background())
	require.NoError(t, err)

	lang, err := registry.Language("zig")
	require.NoError(t, err)
	assert.Equal(t, "zls", lang.Command)

	// The override replaces the registry wholesale.
	_, err = registry.Language("go")
	assert.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestLoad_CorruptExternalFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "languages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\t:::not yaml"), 0o644))
	t.Setenv(RegistryPathEnv, path)

	// Parse errors of the external file are not graceful; only a missing
	// file falls back silently.
	_, err := Load(context.Background())
	assert.Error(t, err)

	t.Setenv(RegistryPathEnv, filepath.Join(dir, "does-not-exist.yaml"))
	registry, err := Load(context.Background())
	require.NoError(t, err)
	_, err = registry.Language("go")
	assert.NoError(t, err)
}

func TestParseRegistry_Validation(t *testing.T) {
	tests := []struct {
		name      string
		languages string
		tools     string
		wantErr   string
	}{
		{
			name:      "empty language name",
			languages: "languages:\n  - command: x\n",
			tools:     "tools: []\n",
			wantErr:   "empty name",
		},
		{
			name:      "missing command",
			languages: "languages:\n  - language: go\n",
			tools:     "tools: []\n",
			wantErr:   "no command",
		},
		{
			name:      "duplicate language",
			languages: "languages:\n  - {language: go, command: gopls}\n  - {language: go, command: gopls}\n",
			tools:     "tools: []\n",
			wantErr:   "duplicate",
		},
		{
			name:      "bad tool kind",
			languages: "languages: []\n",
			tools:     "tools:\n  - {name: x, kind: maybe}\n",
			wantErr:   "unknown kind",
		},
		{
			name:      "mutation without priority",
			languages: "languages: []\n",
			tools:     "tools:\n  - {name: x, kind: mutation}\n",
			wantErr:   "positive priority",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRegistry([]byte(tt.languages), []byte(tt.tools))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindWorkspace(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "internal", "widget")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/widgets\n\ngo 1.25\n"), 0o644))
	file := filepath.Join(nested, "widget.go")
	require.NoError(t, os.WriteFile(file, []byte("package widget\n"), 0o644))

	t.Run("walks up to go.mod", func(t *testing.T) {
		ws, err := FindWorkspace(file)
		require.NoError(t, err)
		assert.Equal(t, dir, ws.Root)
		assert.Equal(t, "go.mod", ws.Marker)
		assert.Equal(t, "example.com/widgets", ws.Module)
	})

	t.Run("go.work outranks go.mod", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "go.work"),
			[]byte("go 1.25\n\nuse .\n"), 0o644))
		ws, err := FindWorkspace(file)
		require.NoError(t, err)
		assert.Equal(t, "go.work", ws.Marker)
		assert.Empty(t, ws.Module)
	})
}
