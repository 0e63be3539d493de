package ebpf

import "fmt"

// EBPFSupport describes the level of eBPF support available.
type EBPFSupport struct {
	Available     bool
	KernelVersion string
	HasBTF        bool
	Reason        string // non-empty when Available is false
}

// Minimum kernel for bpf_get_func_ip in kprobe programs. Ring buffers and
// bpf_probe_read_kernel are older.
const (
	minKernelMajor = 5
	minKernelMinor = 15
)

// parseKernelVersion extracts major.minor from a kernel version string.
func parseKernelVersion(version string) (major, minor int, err error) {
	n, err := fmt.Sscanf(version, "%d.%d", &major, &minor)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("expected major.minor format, got %q", version)
	}
	return major, minor, nil
}

// checkKernelVersion reports why kver cannot run the kprobe program, or ""
// if it can.
func checkKernelVersion(kver string) string {
	major, minor, err := parseKernelVersion(kver)
	if err != nil {
		return fmt.Sprintf("cannot parse kernel version %q: %v", kver, err)
	}
	if major < minKernelMajor || (major == minKernelMajor && minor < minKernelMinor) {
		return fmt.Sprintf("kernel %d.%d < %d.%d (bpf_get_func_ip for kprobes requires %d.%d+)",
			major, minor, minKernelMajor, minKernelMinor, minKernelMajor, minKernelMinor)
	}
	return ""
}
