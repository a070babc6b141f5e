//go:build !linux

package ram

import (
	"testing"
)

func TestNewUnsupported(t *testing.T) {
	if _, err := New(DefaultBase, PageSize); err == nil {
		t.Fatal("New mapped guest memory on a host without anonymous mappings")
	}
}
