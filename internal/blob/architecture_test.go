package blob

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const (
	backendPrefix = "stoqscore/internal/infra/blob"
	facadePrefix  = "stoqscore/internal/blob"
)

// TestBackendsReachedOnlyThroughFacade keeps the archive code on the Store
// interface: only this package tree may import a concrete backend, and the
// backends themselves may import nothing from stoqscore but blob/core.
func TestBackendsReachedOnlyThroughFacade(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "stoqscore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		isBackend := strings.HasPrefix(pkg.PkgPath, backendPrefix)
		for importPath := range pkg.Imports {
			switch {
			case isBackend:
				if strings.HasPrefix(importPath, "stoqscore/") && !hasPrefix(importPath, backendPrefix) &&
					importPath != facadePrefix+"/core" && importPath != facadePrefix+"/blobtest" {
					violations = append(violations, pkg.PkgPath+" -> "+importPath)
				}
			case strings.HasPrefix(pkg.PkgPath, facadePrefix):
			case hasPrefix(importPath, backendPrefix):
				violations = append(violations, pkg.PkgPath+" -> "+importPath)
			}
		}
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("forbidden blob import: %s", v)
	}
}

func hasPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
