//go:build !cgo || windows

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "dklsffi: built without cgo; rebuild with CGO_ENABLED=1 -buildmode=c-shared")
	os.Exit(1)
}
