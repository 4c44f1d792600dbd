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

import "errors"

var (
	// ErrUnknownLanguage means no analyzer is registered for a language
	// or file extension.
	ErrUnknownLanguage = errors.New("unknown language")

	// ErrUnknownTool means the tool name is not in the registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoWorkspace means no workspace root was found above a path.
	ErrNoWorkspace = errors.New("no workspace root found")
)
