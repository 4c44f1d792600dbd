// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the analyzer and tool registries.
//
// Both registries ship embedded in the binary; an external YAML file can
// override the analyzer registry for deployments that add languages or
// change analyzer binaries.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/codebridge/services/bridge/lsp"
)

const (
	// MaxYAMLFileSize bounds external registry files (1MB).
	MaxYAMLFileSize = 1024 * 1024

	// MaxLanguages bounds the analyzer registry.
	MaxLanguages = 100

	// RegistryPathEnv names an external analyzer registry file.
	RegistryPathEnv = "CODEBRIDGE_REGISTRY_PATH"
)

//go:embed languages.yaml
var defaultLanguagesYAML []byte

//go:embed tools.yaml
var defaultToolsYAML []byte

var (
	registryLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_registry_load_errors_total",
		Help: "Total registry load errors",
	})

	registryLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_registry_load_duration_seconds",
		Help:    "Duration of registry loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})

	toolLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tool_lookups_total",
		Help: "Tool classification lookups by tool and outcome",
	}, []string{"tool", "outcome"})
)

var registryTracer = otel.Tracer("codebridge.config")

// =============================================================================
// YAML types
// =============================================================================

// languagesYAML is the root structure of the analyzer registry file.
type languagesYAML struct {
	Languages []lsp.LanguageConfig `yaml:"languages"`
}

// toolsYAML is the root structure of the tool classification file.
type toolsYAML struct {
	Tools []ToolSpec `yaml:"tools"`
}

// ToolKind partitions tools into reads and mutations.
type ToolKind string

const (
	ToolRead     ToolKind = "read"
	ToolMutation ToolKind = "mutation"
)

// ToolSpec classifies one tool. Priority only applies to mutations;
// lower values drain first.
type ToolSpec struct {
	Name     string   `yaml:"name"`
	Kind     ToolKind `yaml:"kind"`
	Priority int      `yaml:"priority,omitempty"`
}

// =============================================================================
// Registry
// =============================================================================

// Registry resolves languages to analyzer configurations and tools to
// their classification.
//
// Thread Safety: Safe for concurrent use after Load.
type Registry struct {
	// languages maps canonical language name to its analyzer config.
	languages map[string]lsp.LanguageConfig

	// extIndex maps a lowercase file extension (with dot) to a language.
	extIndex map[string]string

	// tools maps tool name to its classification.
	tools map[string]ToolSpec

	// loadedAt is when the registry was loaded (Unix milliseconds UTC).
	loadedAt int64
}

// Load builds the registry from the embedded YAML, preferring an
// external analyzer registry when one is configured.
//
// Description:
//
//	The analyzer registry can be replaced wholesale by pointing
//	CODEBRIDGE_REGISTRY_PATH at a YAML file; a missing or corrupt
//	external file logs a warning and falls back to the embedded
//	default. The tool classification is always embedded.
//
// Outputs:
//
//	*Registry - The loaded registry. Never nil on success.
//	error - Non-nil if parsing failed.
func Load(ctx context.Context) (*Registry, error) {
	ctx, span := registryTracer.Start(ctx, "registry.Load")
	defer span.End()

	startTime := time.Now()
	defer func() {
		registryLoadDuration.Observe(time.Since(startTime).Seconds())
	}()

	languagesData := defaultLanguagesYAML
	source := "embedded"
	if path := os.Getenv(RegistryPathEnv); path != "" {
		data, err := loadExternalYAML(path)
		if err != nil {
			slog.Warn("External analyzer registry not available, using embedded default",
				slog.String("path", path),
				slog.String("error", err.Error()))
		} else {
			languagesData = data
			source = "external"
			slog.Info("Loaded analyzer registry from external file",
				slog.String("path", path))
		}
	}

	registry, err := parseRegistry(languagesData, defaultToolsYAML)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		registryLoadErrors.Inc()
		return nil, err
	}

	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("language_count", len(registry.languages)),
		attribute.Int("tool_count", len(registry.tools)),
	)
	slog.Info("Registry loaded",
		slog.Int("language_count", len(registry.languages)),
		slog.Int("tool_count", len(registry.tools)),
		slog.String("source", source))
	return registry, nil
}

// loadExternalYAML reads an external registry file with path and size
// checks.
func loadExternalYAML(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	if strings.Contains(absPath, "..") {
		return nil, fmt.Errorf("loadExternalYAML: path traversal not allowed: %s", absPath)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("YAML file too large: %d bytes (max %d)", info.Size(), MaxYAMLFileSize)
	}
	return os.ReadFile(absPath)
}

// parseRegistry parses both YAML documents and builds the indexes.
func parseRegistry(languagesData, toolsData []byte) (*Registry, error) {
	var langs languagesYAML
	if err := yaml.Unmarshal(languagesData, &langs); err != nil {
		return nil, fmt.Errorf("unmarshaling analyzer registry: %w", err)
	}
	if len(langs.Languages) > MaxLanguages {
		return nil, fmt.Errorf("too many languages: %d (max %d)", len(langs.Languages), MaxLanguages)
	}

	var tools toolsYAML
	if err := yaml.Unmarshal(toolsData, &tools); err != nil {
		return nil, fmt.Errorf("unmarshaling tool registry: %w", err)
	}

	registry := &Registry{
		languages: make(map[string]lsp.LanguageConfig, len(langs.Languages)),
		extIndex:  make(map[string]string),
		tools:     make(map[string]ToolSpec, len(tools.Tools)),
		loadedAt:  time.Now().UnixMilli(),
	}

	for i, lang := range langs.Languages {
		if lang.Language == "" {
			return nil, fmt.Errorf("parseRegistry: language at index %d has empty name", i)
		}
		if lang.Command == "" {
			return nil, fmt.Errorf("parseRegistry: language %q has no command", lang.Language)
		}
		if _, ok := registry.languages[lang.Language]; ok {
			return nil, fmt.Errorf("parseRegistry: duplicate language %q", lang.Language)
		}
		registry.languages[lang.Language] = lang
		for _, ext := range lang.Extensions {
			registry.extIndex[strings.ToLower(ext)] = lang.Language
		}
	}

	for i, tool := range tools.Tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("parseRegistry: tool at index %d has empty name", i)
		}
		switch tool.Kind {
		case ToolRead, ToolMutation:
		default:
			return nil, fmt.Errorf("parseRegistry: tool %q has unknown kind %q", tool.Name, tool.Kind)
		}
		if tool.Kind == ToolMutation && tool.Priority <= 0 {
			return nil, fmt.Errorf("parseRegistry: mutation tool %q needs a positive priority", tool.Name)
		}
		registry.tools[tool.Name] = tool
	}
	return registry, nil
}

// =============================================================================
// Lookups
// =============================================================================

// Language returns the analyzer configuration for a language name.
//
// Errors:
//
//	ErrUnknownLanguage - no analyzer is registered for the name
func (r *Registry) Language(name string) (lsp.LanguageConfig, error) {
	lang, ok := r.languages[name]
	if !ok {
		return lsp.LanguageConfig{}, fmt.Errorf("%q: %w", name, ErrUnknownLanguage)
	}
	return lang, nil
}

// LanguageForFile resolves a file path to its language by extension.
func (r *Registry) LanguageForFile(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := r.extIndex[ext]
	if !ok {
		return "", fmt.Errorf("extension %q: %w", ext, ErrUnknownLanguage)
	}
	return lang, nil
}

// Tool returns a tool's classification.
//
// Errors:
//
//	ErrUnknownTool - the tool is not registered
func (r *Registry) Tool(name string) (ToolSpec, error) {
	spec, ok := r.tools[name]
	if !ok {
		toolLookupTotal.WithLabelValues(name, "unknown").Inc()
		return ToolSpec{}, fmt.Errorf("%q: %w", name, ErrUnknownTool)
	}
	toolLookupTotal.WithLabelValues(name, "ok").Inc()
	return spec, nil
}

// Languages returns the registered language names, unordered.
func (r *Registry) Languages() []string {
	names := make([]string, 0, len(r.languages))
	for name := range r.languages {
		names = append(names, name)
	}
	return names
}

// LanguageCount returns the number of registered languages.
func (r *Registry) LanguageCount() int {
	if r == nil {
		return 0
	}
	return len(r.languages)
}

// LoadedAt returns when the registry was loaded, in Unix milliseconds.
func (r *Registry) LoadedAt() int64 {
	if r == nil {
		return 0
	}
	return r.loadedAt
}
