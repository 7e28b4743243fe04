package ebpf

// ProgType is the declared kernel program type. It fixes the context layout
// and the helper calling convention for one verification.
type ProgType int

const (
	ProgTypeUnspec ProgType = iota
	ProgTypeSocketFilter
	ProgTypeKprobe
	ProgTypeSchedCls
	ProgTypeSchedAct
	ProgTypeTracepoint
	ProgTypeXdp
	ProgTypePerfEvent
	ProgTypeCgroupSkb
	ProgTypeCgroupSock
	ProgTypeLwtIn
	ProgTypeLwtOut
	ProgTypeLwtXmit
	ProgTypeSockOps
	ProgTypeSkSkb
	ProgTypeCgroupDevice
	ProgTypeSkMsg
	ProgTypeRawTracepoint
	ProgTypeCgroupSockAddr
	ProgTypeLwtSeg6local
	ProgTypeLircMode2
)

var progTypeNames = map[ProgType]string{
	ProgTypeUnspec:         "unspec",
	ProgTypeSocketFilter:   "socket_filter",
	ProgTypeKprobe:         "kprobe",
	ProgTypeSchedCls:       "sched_cls",
	ProgTypeSchedAct:       "sched_act",
	ProgTypeTracepoint:     "tracepoint",
	ProgTypeXdp:            "xdp",
	ProgTypePerfEvent:      "perf_event",
	ProgTypeCgroupSkb:      "cgroup_skb",
	ProgTypeCgroupSock:     "cgroup_sock",
	ProgTypeLwtIn:          "lwt_in",
	ProgTypeLwtOut:         "lwt_out",
	ProgTypeLwtXmit:        "lwt_xmit",
	ProgTypeSockOps:        "sock_ops",
	ProgTypeSkSkb:          "sk_skb",
	ProgTypeCgroupDevice:   "cgroup_device",
	ProgTypeSkMsg:          "sk_msg",
	ProgTypeRawTracepoint:  "raw_tracepoint",
	ProgTypeCgroupSockAddr: "cgroup_sock_addr",
	ProgTypeLwtSeg6local:   "lwt_seg6local",
	ProgTypeLircMode2:      "lirc_mode2",
}

func (t ProgType) String() string {
	if s, ok := progTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Privileged reports whether the program type may freely leak and compare
// pointers (tracing programs run with CAP_SYS_ADMIN).
func (t ProgType) Privileged() bool { return t == ProgTypeKprobe }

// ContextDescriptor fixes the layout of the context region for one program
// type. Offsets are in bytes; a negative offset means the slot is absent.
type ContextDescriptor struct {
	Size int // size of the context region
	Data int // offset of the packet-data pointer slot
	End  int // offset of the packet-end pointer slot
	Meta int // offset of the packet-meta pointer slot
}

// MapType is the kernel map kind. Only the shape matters to verification.
type MapType uint32

const (
	MapTypeUnspec MapType = iota
	MapTypeHash
	MapTypeArray
	MapTypeProgArray
	MapTypePerfEventArray
	MapTypePercpuHash
	MapTypePercpuArray
	MapTypeStackTrace
	MapTypeCgroupArray
	MapTypeLruHash
	MapTypeLruPercpuHash
	MapTypeLpmTrie
	MapTypeArrayOfMaps
	MapTypeHashOfMaps
)

// MapDescriptor is the shape of one map available to the program.
type MapDescriptor struct {
	Type       MapType
	KeySize    int
	ValueSize  int
	MaxEntries int
	InnerIdx   int // index of the inner map descriptor, or -1
}

// ProgramInfo is everything the verifier knows about the environment of one
// program. It is frozen for the duration of one verification and threaded
// through the analysis as an immutable handle.
type ProgramInfo struct {
	Type    ProgType
	Context ContextDescriptor
	Maps    []MapDescriptor
}

// Context region sizes, estimated the way the kernel sizes them.
const (
	perfMaxTraceSize = 2048
	ptregsSize       = (3 + 63 + 8 + 2) * 8

	cgroupDevRegions  = 3 * 4
	kprobeRegions     = ptregsSize
	tracepointRegions = perfMaxTraceSize
	perfEventRegions  = 3*8 + ptregsSize
	cgroupSockRegions = 12 * 4
	sockOpsRegions    = 42*4 + 2*8
	skSkbRegions      = 36 * 4
	xdpRegions        = 5 * 4
)

var (
	skBuffDescr     = ContextDescriptor{Size: skSkbRegions, Data: 19 * 4, End: 20 * 4, Meta: 35 * 4}
	xdpMdDescr      = ContextDescriptor{Size: xdpRegions, Data: 0, End: 1 * 4, Meta: 2 * 4}
	skMsgMdDescr    = ContextDescriptor{Size: 17 * 4, Data: 0, End: 1 * 8, Meta: -1}
	unspecDescr     = ContextDescriptor{Data: -1, End: -1, Meta: -1}
	cgroupDevDescr  = ContextDescriptor{Size: cgroupDevRegions, Data: -1, End: -1, Meta: -1}
	kprobeDescr     = ContextDescriptor{Size: kprobeRegions, Data: -1, End: -1, Meta: -1}
	tracepointDescr = ContextDescriptor{Size: tracepointRegions, Data: -1, End: -1, Meta: -1}
	perfEventDescr  = ContextDescriptor{Size: perfEventRegions, Data: -1, End: -1, Meta: -1}
	cgroupSockDescr = ContextDescriptor{Size: cgroupSockRegions, Data: -1, End: -1, Meta: -1}
	sockOpsDescr    = ContextDescriptor{Size: sockOpsRegions, Data: -1, End: -1, Meta: -1}
)

// ContextDescriptorFor returns the context layout of a program type.
func ContextDescriptorFor(t ProgType) ContextDescriptor {
	switch t {
	case ProgTypeCgroupDevice:
		return cgroupDevDescr
	case ProgTypeCgroupSock, ProgTypeCgroupSockAddr:
		return cgroupSockDescr
	case ProgTypeKprobe:
		return kprobeDescr
	case ProgTypeTracepoint, ProgTypeRawTracepoint:
		return tracepointDescr
	case ProgTypePerfEvent:
		return perfEventDescr
	case ProgTypeSocketFilter, ProgTypeCgroupSkb:
		return skBuffDescr
	case ProgTypeSockOps:
		return sockOpsDescr
	case ProgTypeSchedAct, ProgTypeSchedCls:
		return skBuffDescr
	case ProgTypeXdp:
		return xdpMdDescr
	case ProgTypeLwtXmit, ProgTypeLwtIn, ProgTypeLwtOut, ProgTypeLwtSeg6local:
		return skBuffDescr
	case ProgTypeSkSkb:
		return skBuffDescr
	case ProgTypeSkMsg, ProgTypeLircMode2:
		return skMsgMdDescr
	default:
		return unspecDescr
	}
}

// NewProgramInfo builds a frozen ProgramInfo for one verification.
func NewProgramInfo(t ProgType, maps []MapDescriptor) ProgramInfo {
	return ProgramInfo{Type: t, Context: ContextDescriptorFor(t), Maps: maps}
}

// SectionProgType guesses the program type from an ELF section name the way
// loaders name them ("xdp", "socket/...", "kprobe/sys_open", ...).
func SectionProgType(section string) ProgType {
	prefixes := []struct {
		prefix string
		t      ProgType
	}{
		{"socket", ProgTypeSocketFilter},
		{"kprobe/", ProgTypeKprobe},
		{"kretprobe/", ProgTypeKprobe},
		{"tracepoint/", ProgTypeTracepoint},
		{"raw_tracepoint/", ProgTypeRawTracepoint},
		{"xdp", ProgTypeXdp},
		{"perf_event", ProgTypePerfEvent},
		{"classifier", ProgTypeSchedCls},
		{"action", ProgTypeSchedAct},
		{"cgroup/skb", ProgTypeCgroupSkb},
		{"cgroup/sock", ProgTypeCgroupSock},
		{"cgroup/dev", ProgTypeCgroupDevice},
		{"lwt_in", ProgTypeLwtIn},
		{"lwt_out", ProgTypeLwtOut},
		{"lwt_xmit", ProgTypeLwtXmit},
		{"sockops", ProgTypeSockOps},
		{"sk_skb", ProgTypeSkSkb},
		{"sk_msg", ProgTypeSkMsg},
	}
	for _, p := range prefixes {
		if len(section) >= len(p.prefix) && section[:len(p.prefix)] == p.prefix {
			return p.t
		}
	}
	return ProgTypeUnspec
}
