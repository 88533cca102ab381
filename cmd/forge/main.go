// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forge runs the workspace mutation engine.
//
// Usage:
//
//	forge serve --root /path/to/workspace
//	forge apply plan.json --dry-run
//	forge version
//
// Example requests against a running server:
//
//	# Health check
//	curl http://localhost:12230/v1/forge/health
//
//	# Apply a refactor plan
//	curl -X POST http://localhost:12230/v1/forge/apply_edit \
//	  -H "Content-Type: application/json" \
//	  -d @request.json
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
