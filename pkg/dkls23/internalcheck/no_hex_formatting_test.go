package internalcheck

import (
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

func TestNoHexFormatting(t *testing.T) {
	pkgs := load(t, packages.NeedSyntax|packages.NeedTypes|packages.NeedTypesInfo|packages.NeedFiles|packages.NeedName)

	var findings []string
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			ast.Inspect(file, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				selector, ok := call.Fun.(*ast.SelectorExpr)
				if !ok {
					return true
				}
				obj := pkg.TypesInfo.Uses[selector.Sel]
				if obj == nil || obj.Pkg() == nil {
					return true
				}
				formatIdx, ok := formatIndex(obj.Pkg().Path(), obj.Name())
				if !ok || len(call.Args) <= formatIdx {
					return true
				}
				lit, ok := call.Args[formatIdx].(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					return true
				}
				value, err := strconv.Unquote(lit.Value)
				if err != nil {
					return true
				}
				if strings.Contains(value, "%x") || strings.Contains(value, "%X") {
					findings = append(findings, fmt.Sprintf("%s: avoid %%x formatting of secrets", pkg.Fset.Position(lit.Pos())))
				}
				return true
			})
		}
	}

	if len(findings) > 0 {
		t.Fatalf("secret logging policy violation:\n%s", strings.Join(findings, "\n"))
	}
}

// formatIndex returns the position of the format argument of a printf-like
// function.
func formatIndex(pkgPath, name string) (int, bool) {
	switch pkgPath {
	case "fmt":
		switch name {
		case "Errorf", "Printf", "Sprintf":
			return 0, true
		case "Fprintf":
			return 1, true
		}
	case "log":
		switch name {
		case "Printf", "Fatalf", "Panicf":
			return 0, true
		}
	case "github.com/0xCarbon/libtss/pkg/dkls23":
		if name == "Errorf" {
			return 3, true
		}
	}
	return 0, false
}

func TestNoMathRand(t *testing.T) {
	pkgs := load(t, packages.NeedImports|packages.NeedName)
	var findings []string
	for _, pkg := range pkgs {
		for path := range pkg.Imports {
			if path == "math/rand" || path == "math/rand/v2" {
				findings = append(findings, fmt.Sprintf("%s imports %s", pkg.PkgPath, path))
			}
		}
	}
	if len(findings) > 0 {
		t.Fatalf("randomness policy violation:\n%s", strings.Join(findings, "\n"))
	}
}
