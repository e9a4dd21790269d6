// Package internalcheck holds static policy tests over the dkls23 library
// packages. It has no API.
//
// The tests load the library with golang.org/x/tools/go/packages and fail on
// patterns that leak secrets or timing: == and != on byte slices or arrays,
// %x formatting and math/rand imports.
package internalcheck
