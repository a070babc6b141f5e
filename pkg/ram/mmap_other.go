//go:build !linux

package ram

import (
	"fmt"
	"runtime"
)

func mapAnonymous(size int) ([]byte, error) {
	return nil, fmt.Errorf("guest memory mappings are not supported on %s", runtime.GOOS)
}

func unmap(mem []byte) error {
	return nil
}
