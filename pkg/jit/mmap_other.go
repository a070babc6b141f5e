//go:build !linux

package jit

import (
	"fmt"
	"os"
	"runtime"
)

var errNoMmap = fmt.Errorf("anonymous executable mappings are not supported on %s", runtime.GOOS)

func mapPages(size int) ([]byte, error) {
	return nil, errNoMmap
}

func protectExec(mem []byte) error {
	return errNoMmap
}

func unmapPages(mem []byte) error {
	return nil
}

func pageSize() int {
	return os.Getpagesize()
}
