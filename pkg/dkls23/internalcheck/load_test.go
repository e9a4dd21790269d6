package internalcheck

import (
	"testing"

	"golang.org/x/tools/go/packages"
)

const libraryPattern = "github.com/0xCarbon/libtss/pkg/dkls23/..."

func load(t *testing.T, mode packages.LoadMode) []*packages.Package {
	t.Helper()
	pkgs, err := packages.Load(&packages.Config{Mode: mode}, libraryPattern)
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		t.Fatalf("packages failed to load")
	}
	return pkgs
}
