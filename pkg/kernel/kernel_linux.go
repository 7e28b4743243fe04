//go:build linux

// Package kernel loads a program into the running kernel's own verifier, a
// second opinion next to the static analysis.
package kernel

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

const (
	sysBPF      = 321
	bpfProgLoad = 5
)

// progLoadAttr mirrors the PROG_LOAD layout of union bpf_attr.
type progLoadAttr struct {
	ProgType    uint32
	InsnCnt     uint32
	Insns       uint64
	License     uint64
	LogLevel    uint32
	LogSize     uint32
	LogBuf      uint64
	KernVersion uint32
	ProgFlags   uint32
}

func toKernelType(t ebpf.ProgType) uint32 {
	switch t {
	case ebpf.ProgTypeSocketFilter:
		return 1
	case ebpf.ProgTypeKprobe:
		return 2
	case ebpf.ProgTypeSchedCls:
		return 3
	case ebpf.ProgTypeSchedAct:
		return 4
	case ebpf.ProgTypeTracepoint:
		return 5
	case ebpf.ProgTypeXdp:
		return 6
	case ebpf.ProgTypePerfEvent:
		return 7
	case ebpf.ProgTypeCgroupSkb:
		return 8
	case ebpf.ProgTypeCgroupSock:
		return 9
	case ebpf.ProgTypeLwtIn:
		return 10
	case ebpf.ProgTypeLwtOut:
		return 11
	case ebpf.ProgTypeLwtXmit:
		return 12
	case ebpf.ProgTypeSockOps:
		return 13
	case ebpf.ProgTypeSkSkb:
		return 14
	case ebpf.ProgTypeCgroupDevice:
		return 15
	default:
		return 1
	}
}

// Verify asks the running kernel to verify the program. It needs admin
// privileges. The returned log is the kernel verifier's own transcript.
func Verify(t ebpf.ProgType, words []ebpf.Word, wantLog bool) (bool, string, error) {
	license := append([]byte("GPL"), 0)
	logBuf := make([]byte, 1)
	var logLevel uint32
	if wantLog {
		logBuf = make([]byte, 1<<20)
		logLevel = 3
	}

	attr := progLoadAttr{
		ProgType:    toKernelType(t),
		InsnCnt:     uint32(len(words)),
		Insns:       uint64(uintptr(unsafe.Pointer(&words[0]))),
		License:     uint64(uintptr(unsafe.Pointer(&license[0]))),
		LogLevel:    logLevel,
		LogSize:     uint32(len(logBuf)),
		LogBuf:      uint64(uintptr(unsafe.Pointer(&logBuf[0]))),
		KernVersion: 0x041800,
	}

	fd, _, errno := syscall.Syscall(sysBPF, bpfProgLoad,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	log := string(logBuf[:clen(logBuf)])
	if errno != 0 {
		return false, log, fmt.Errorf("kernel rejected program: %w", errno)
	}
	syscall.Close(int(fd))
	return true, log, nil
}

func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}
