package ebpf

import "fmt"

// ArgKind classifies one helper argument for verification purposes.
type ArgKind uint8

const (
	ArgDontCare ArgKind = iota
	ArgAnything
	ArgConstSize
	ArgConstSizeOrZero
	ArgConstMapPtr
	ArgPtrToCtx
	ArgPtrToMapKey
	ArgPtrToMapValue
	ArgPtrToMem
	ArgPtrToMemOrNull
	ArgPtrToUninitMem
)

// RetKind classifies a helper return value.
type RetKind uint8

const (
	RetInteger RetKind = iota
	RetVoid
	RetPtrToMapValueOrNull
)

// SingleKind is the verification class of a standalone argument register.
type SingleKind uint8

const (
	SingleAnything SingleKind = iota
	SingleMapFd
	SinglePtrToMapKey
	SinglePtrToMapValue
	SinglePtrToCtx
)

// PairKind is the verification class of a (pointer, size) argument pair.
type PairKind uint8

const (
	PairPtrToMem PairKind = iota
	PairPtrToMemOrNull
	PairPtrToUninitMem
)

// ArgSingle is one standalone argument register of a helper call.
type ArgSingle struct {
	Kind SingleKind
	Reg  Reg
}

// ArgPair is one (pointer, size) argument pair of a helper call.
type ArgPair struct {
	Kind      PairKind
	Mem       Reg
	Size      Reg
	CanBeZero bool
}

// Prototype describes the kernel-side signature of one helper.
type Prototype struct {
	Name string
	Ret  RetKind
	Args [5]ArgKind
}

// Helper ids, as assigned by the kernel ABI.
const (
	FnMapLookupElem     = 1
	FnMapUpdateElem     = 2
	FnMapDeleteElem     = 3
	FnProbeRead         = 4
	FnKtimeGetNs        = 5
	FnTracePrintk       = 6
	FnGetPrandomU32     = 7
	FnGetSmpProcessorID = 8
	FnSkbStoreBytes     = 9
	FnL3CsumReplace     = 10
	FnL4CsumReplace     = 11
	FnTailCall          = 12
	FnCloneRedirect     = 13
	FnGetCurrentPidTgid = 14
	FnGetCurrentUidGid  = 15
	FnGetCurrentComm    = 16
	FnGetCgroupClassid  = 17
	FnSkbVlanPush       = 18
	FnSkbVlanPop        = 19
	FnSkbGetTunnelKey   = 20
	FnSkbSetTunnelKey   = 21
	FnPerfEventRead     = 22
	FnRedirect          = 23
	FnGetRouteRealm     = 24
	FnPerfEventOutput   = 25
	FnSkbLoadBytes      = 26
	FnGetStackid        = 27
	FnCsumDiff          = 28
	FnSkbChangeProto    = 31
	FnSkbChangeType     = 32
	FnSkbUnderCgroup    = 33
	FnGetHashRecalc     = 34
	FnGetCurrentTask    = 35
	FnProbeWriteUser    = 36
	FnProbeReadStr      = 45
	FnXdpAdjustHead     = 44
	FnXdpAdjustMeta     = 54
)

var prototypes = map[int32]Prototype{
	FnMapLookupElem:     {"map_lookup_elem", RetPtrToMapValueOrNull, [5]ArgKind{ArgConstMapPtr, ArgPtrToMapKey}},
	FnMapUpdateElem:     {"map_update_elem", RetInteger, [5]ArgKind{ArgConstMapPtr, ArgPtrToMapKey, ArgPtrToMapValue, ArgAnything}},
	FnMapDeleteElem:     {"map_delete_elem", RetInteger, [5]ArgKind{ArgConstMapPtr, ArgPtrToMapKey}},
	FnProbeRead:         {"probe_read", RetInteger, [5]ArgKind{ArgPtrToUninitMem, ArgConstSize, ArgAnything}},
	FnKtimeGetNs:        {"ktime_get_ns", RetInteger, [5]ArgKind{}},
	FnTracePrintk:       {"trace_printk", RetInteger, [5]ArgKind{ArgPtrToMem, ArgConstSize, ArgAnything, ArgAnything, ArgAnything}},
	FnGetPrandomU32:     {"get_prandom_u32", RetInteger, [5]ArgKind{}},
	FnGetSmpProcessorID: {"get_smp_processor_id", RetInteger, [5]ArgKind{}},
	FnSkbStoreBytes:     {"skb_store_bytes", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything, ArgPtrToMem, ArgConstSize, ArgAnything}},
	FnL3CsumReplace:     {"l3_csum_replace", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything, ArgAnything, ArgAnything, ArgAnything}},
	FnL4CsumReplace:     {"l4_csum_replace", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything, ArgAnything, ArgAnything, ArgAnything}},
	FnTailCall:          {"tail_call", RetVoid, [5]ArgKind{ArgPtrToCtx, ArgConstMapPtr, ArgAnything}},
	FnCloneRedirect:     {"clone_redirect", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything, ArgAnything}},
	FnGetCurrentPidTgid: {"get_current_pid_tgid", RetInteger, [5]ArgKind{}},
	FnGetCurrentUidGid:  {"get_current_uid_gid", RetInteger, [5]ArgKind{}},
	FnGetCurrentComm:    {"get_current_comm", RetInteger, [5]ArgKind{ArgPtrToUninitMem, ArgConstSize}},
	FnGetCgroupClassid:  {"get_cgroup_classid", RetInteger, [5]ArgKind{ArgPtrToCtx}},
	FnSkbVlanPush:       {"skb_vlan_push", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything, ArgAnything}},
	FnSkbVlanPop:        {"skb_vlan_pop", RetInteger, [5]ArgKind{ArgPtrToCtx}},
	FnSkbGetTunnelKey:   {"skb_get_tunnel_key", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgPtrToUninitMem, ArgConstSize, ArgAnything}},
	FnSkbSetTunnelKey:   {"skb_set_tunnel_key", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgPtrToMem, ArgConstSize, ArgAnything}},
	FnPerfEventRead:     {"perf_event_read", RetInteger, [5]ArgKind{ArgConstMapPtr, ArgAnything}},
	FnRedirect:          {"redirect", RetInteger, [5]ArgKind{ArgAnything, ArgAnything}},
	FnGetRouteRealm:     {"get_route_realm", RetInteger, [5]ArgKind{ArgPtrToCtx}},
	FnPerfEventOutput:   {"perf_event_output", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgConstMapPtr, ArgAnything, ArgPtrToMem, ArgConstSize}},
	FnSkbLoadBytes:      {"skb_load_bytes", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything, ArgPtrToUninitMem, ArgConstSize}},
	FnGetStackid:        {"get_stackid", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgConstMapPtr, ArgAnything}},
	FnCsumDiff:          {"csum_diff", RetInteger, [5]ArgKind{ArgPtrToMemOrNull, ArgConstSizeOrZero, ArgPtrToMemOrNull, ArgConstSizeOrZero, ArgAnything}},
	FnSkbChangeProto:    {"skb_change_proto", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything, ArgAnything}},
	FnSkbChangeType:     {"skb_change_type", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything}},
	FnSkbUnderCgroup:    {"skb_under_cgroup", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgConstMapPtr, ArgAnything}},
	FnGetHashRecalc:     {"get_hash_recalc", RetInteger, [5]ArgKind{ArgPtrToCtx}},
	FnGetCurrentTask:    {"get_current_task", RetInteger, [5]ArgKind{}},
	FnProbeWriteUser:    {"probe_write_user", RetInteger, [5]ArgKind{ArgAnything, ArgPtrToMem, ArgConstSize}},
	FnProbeReadStr:      {"probe_read_str", RetInteger, [5]ArgKind{ArgPtrToUninitMem, ArgConstSizeOrZero, ArgAnything}},
	FnXdpAdjustHead:     {"xdp_adjust_head", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything}},
	FnXdpAdjustMeta:     {"xdp_adjust_meta", RetInteger, [5]ArgKind{ArgPtrToCtx, ArgAnything}},
}

// LookupPrototype returns the prototype of a helper id.
func LookupPrototype(fn int32) (Prototype, bool) {
	p, ok := prototypes[fn]
	return p, ok
}

// newCall expands a helper id into a Call carrying the argument layout the
// assertion extractor and the transfer functions consume.
func newCall(fn int32) (Call, error) {
	proto, ok := prototypes[fn]
	if !ok {
		return Call{}, fmt.Errorf("%w: helper %d", ErrUnknownHelper, fn)
	}
	call := Call{
		Func:       fn,
		Name:       proto.Name,
		ReturnsMap: proto.Ret == RetPtrToMapValueOrNull,
	}
	for i := 0; i < 5; i++ {
		kind := proto.Args[i]
		if kind == ArgDontCare {
			break
		}
		reg := Reg(i + 1)
		switch kind {
		case ArgAnything:
			call.Singles = append(call.Singles, ArgSingle{Kind: SingleAnything, Reg: reg})
		case ArgConstMapPtr:
			call.Singles = append(call.Singles, ArgSingle{Kind: SingleMapFd, Reg: reg})
		case ArgPtrToMapKey:
			call.Singles = append(call.Singles, ArgSingle{Kind: SinglePtrToMapKey, Reg: reg})
		case ArgPtrToMapValue:
			call.Singles = append(call.Singles, ArgSingle{Kind: SinglePtrToMapValue, Reg: reg})
		case ArgPtrToCtx:
			call.Singles = append(call.Singles, ArgSingle{Kind: SinglePtrToCtx, Reg: reg})
		case ArgPtrToMem, ArgPtrToMemOrNull, ArgPtrToUninitMem:
			if i+1 >= 5 || (proto.Args[i+1] != ArgConstSize && proto.Args[i+1] != ArgConstSizeOrZero) {
				return Call{}, fmt.Errorf("%w: helper %s has pointer arg %d without size", ErrUnknownHelper, proto.Name, i+1)
			}
			pair := ArgPair{
				Mem:       reg,
				Size:      Reg(i + 2),
				CanBeZero: proto.Args[i+1] == ArgConstSizeOrZero,
			}
			switch kind {
			case ArgPtrToMem:
				pair.Kind = PairPtrToMem
			case ArgPtrToMemOrNull:
				pair.Kind = PairPtrToMemOrNull
			case ArgPtrToUninitMem:
				pair.Kind = PairPtrToUninitMem
			}
			call.Pairs = append(call.Pairs, pair)
			i++ // size argument consumed
		}
	}
	return call, nil
}
