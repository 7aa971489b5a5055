package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "shardcast/"

type listedPackage struct {
	ImportPath  string
	Imports     []string
	TestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

// layerRule forbids packages under importer from importing packages under any of forbidden.
type layerRule struct {
	importer  string
	forbidden []string
	reason    string
}

var layerRules = []layerRule{
	{
		importer:  "pkg/shardcast",
		forbidden: []string{"internal/"},
		reason:    "pkg/shardcast must not import internal/*",
	},
	{
		importer:  "internal/kernel",
		forbidden: []string{"internal/gateway", "internal/supervisor", "internal/feed", "internal/transport"},
		reason:    "internal/kernel must not import concrete drivers",
	},
	{
		importer:  "internal/gateway",
		forbidden: []string{"internal/cache", "internal/normalize", "internal/dispatch"},
		reason:    "drivers publish raw events only",
	},
	{
		importer:  "internal/supervisor",
		forbidden: []string{"internal/cache", "internal/normalize", "internal/dispatch"},
		reason:    "drivers publish raw events only",
	},
	{
		importer:  "internal/feed",
		forbidden: []string{"internal/cache", "internal/normalize", "internal/dispatch"},
		reason:    "drivers publish raw events only",
	},
	{
		importer:  "internal/cache",
		forbidden: []string{"internal/normalize", "internal/dispatch", "internal/gateway", "internal/feed"},
		reason:    "internal/cache must not depend on its writers or readers",
	},
	{
		importer:  "internal/dispatch",
		forbidden: []string{"internal/cache", "internal/normalize", "internal/gateway", "internal/feed"},
		reason:    "internal/dispatch receives candidates, not cache or transport state",
	},
	{
		importer:  "internal/normalize",
		forbidden: []string{"internal/transport", "internal/gateway", "internal/supervisor", "internal/feed"},
		reason:    "internal/normalize must not depend on transports",
	},
}

func violationReason(importer, imported string) string {
	for _, rule := range layerRules {
		if !strings.HasPrefix(importer, modulePrefix+rule.importer) {
			continue
		}
		// Black-box test packages of the same layer may wire other layers together.
		if strings.Contains(importer, "_test") || strings.HasSuffix(importer, ".test") {
			continue
		}
		for _, forbidden := range rule.forbidden {
			if strings.HasPrefix(imported, modulePrefix+forbidden) {
				return rule.reason
			}
		}
	}

	return ""
}
