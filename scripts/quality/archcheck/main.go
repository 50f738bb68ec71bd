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

const modulePrefix = "channel-mirror/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
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

// layerRule forbids packages under importer from importing packages under
// imported, unless the importer also sits under allow.
type layerRule struct {
	importer string
	imported string
	allow    string
	reason   string
}

var layerRules = []layerRule{
	{
		importer: "pkg/mirror",
		imported: "internal/",
		reason:   "pkg/mirror must not import internal/*",
	},
	{
		importer: "internal/kernel",
		imported: "",
		reason:   "internal/kernel must not import other project packages",
	},
	{
		importer: "internal/",
		imported: "internal/driver",
		allow:    "internal/driver",
		reason:   "only cmd/* may wire internal/driver/*",
	},
	{
		importer: "internal/driver",
		imported: "internal/store",
		reason:   "internal/driver/* must not reach into persistence",
	},
	{
		importer: "internal/driver",
		imported: "internal/syncer",
		reason:   "internal/driver/* must not reach into persistence",
	},
	{
		importer: "internal/httpapi",
		imported: "internal/",
		reason:   "internal/httpapi reads through pkg/mirror interfaces only",
	},
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			found[fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

func violationReason(importer, imported string) string {
	importer, ok := strings.CutPrefix(importer, modulePrefix)
	if !ok {
		return ""
	}
	imported, ok = strings.CutPrefix(imported, modulePrefix)
	if !ok {
		return ""
	}
	// go list -test reports test variants as "pkg [pkg.test]".
	importer, _, _ = strings.Cut(importer, " ")

	for _, rule := range layerRules {
		if !strings.HasPrefix(importer, rule.importer) || !strings.HasPrefix(imported, rule.imported) {
			continue
		}
		if rule.allow != "" && strings.HasPrefix(importer, rule.allow) {
			continue
		}
		if strings.HasPrefix(imported, importer) {
			continue
		}
		return rule.reason
	}

	return ""
}
