package ebpf

import "runtime"

// endbrLen is the size of the ENDBR64 instruction. On kernels built with
// IBT, bpf_get_func_ip may report the probed address just past it.
const endbrLen = 4

// scopeKeys returns the function-entry addresses the program may observe
// for a function at addr.
func scopeKeys(addr uint64) []uint64 {
	if runtime.GOARCH == "amd64" {
		return []uint64{addr, addr + endbrLen}
	}
	return []uint64{addr}
}
