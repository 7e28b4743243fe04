//go:build !linux

package kernel

import (
	"errors"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// ErrUnsupported is returned on platforms without the bpf syscall.
var ErrUnsupported = errors.New("kernel verifier pass-through requires linux")

// Verify is unavailable off Linux.
func Verify(t ebpf.ProgType, words []ebpf.Word, wantLog bool) (bool, string, error) {
	return false, "", ErrUnsupported
}
