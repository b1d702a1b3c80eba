//go:build tools

// Package tools pins generate-time dependencies in go.mod without pulling
// them into the kernel's own import graph: this file never builds as part
// of a normal build.
package tools

import (
	_ "golang.org/x/tools/cmd/stringer"
)
