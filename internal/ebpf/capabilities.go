// Package ebpf detects BTF/CO-RE availability and, where the kernel
// supports it, loads a native kprobe-based block I/O latency histogram
// as an enrichment source for the Device sampler. Detect reads kernel
// facts directly and does not depend on the platform probe; the run
// command calls it for its startup log line and runctx.New calls it again
// for the Device samplers. A host does not gain or lose kernel BTF
// support mid-run, so both calls see the same result.
package ebpf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Capabilities is the one-shot detection result consumed by the Device
// sampler to decide whether it can additionally surface an I/O-latency
// histogram alongside its iostat-derived fields.
type Capabilities struct {
	Tier          int             `json:"tier"` // 3: native eBPF CO-RE, 2: BCC-style tools, 1: procfs/sysfs only
	BTFAvailable  bool            `json:"btf_available"`
	CORESupport   bool            `json:"core_support"`
	KernelVersion string          `json:"kernel_version"`
	Details       map[string]bool `json:"details"`
}

// Detect runs the BTF and kernel-config probes and returns the fused
// Capabilities value. Callers run this exactly once at startup and pass
// the result to every sampler that cares, mirroring the teacher's
// DetectBTF/DetectBPFCapabilities pair collapsed into one typed call.
func Detect() Capabilities {
	btf := detectBTF()
	details := detectBPFCapabilities()
	return Capabilities{
		Tier:          capabilityLevel(details),
		BTFAvailable:  btf.available,
		CORESupport:   btf.coreSupport,
		KernelVersion: btf.kernelVersion,
		Details:       details,
	}
}

// CanLoadNative reports whether the kernel supports loading the native
// block I/O latency program (requires BTF + CO-RE, tier 3).
func (c Capabilities) CanLoadNative() bool {
	return c.Tier >= 3
}

type btfInfo struct {
	available     bool
	vmlinuxPath   string
	kernelVersion string
	major, minor  int
	coreSupport   bool
}

func detectBTF() btfInfo {
	info := btfInfo{}
	info.kernelVersion = readKernelVersion()
	info.major, info.minor = parseKernelVersion(info.kernelVersion)

	btfPath := "/sys/kernel/btf/vmlinux"
	if _, err := os.Stat(btfPath); err == nil {
		info.available = true
		info.vmlinuxPath = btfPath
	}

	if info.major > 5 || (info.major == 5 && info.minor >= 8) {
		info.coreSupport = true
	}
	return info
}

func detectBPFCapabilities() map[string]bool {
	caps := make(map[string]bool)

	caps["bpf_syscall"] = fileExists("/proc/sys/kernel/unprivileged_bpf_disabled")
	caps["btf_vmlinux"] = fileExists("/sys/kernel/btf/vmlinux")
	caps["bpffs"] = fileExists("/sys/fs/bpf")

	kconfig := readKConfig()
	for _, opt := range []string{
		"CONFIG_BPF",
		"CONFIG_BPF_SYSCALL",
		"CONFIG_BPF_JIT",
		"CONFIG_HAVE_EBPF_JIT",
		"CONFIG_BPF_EVENTS",
		"CONFIG_KPROBE_EVENTS",
		"CONFIG_UPROBE_EVENTS",
		"CONFIG_TRACING",
		"CONFIG_DEBUG_INFO_BTF",
	} {
		caps[strings.ToLower(opt)] = kconfig[opt]
	}

	caps["perf_events"] = fileExists("/proc/sys/kernel/perf_event_paranoid")
	caps["kprobes"] = fileExists("/sys/kernel/debug/kprobes/list") ||
		fileExists("/sys/kernel/tracing/kprobe_events")

	return caps
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	minorStr := parts[1]
	if idx := strings.IndexAny(minorStr, "-+~"); idx >= 0 {
		minorStr = minorStr[:idx]
	}
	minor, _ := strconv.Atoi(minorStr)
	return major, minor
}

func readKConfig() map[string]bool {
	configs := make(map[string]bool)

	paths := []string{
		fmt.Sprintf("/boot/config-%s", readKernelRelease()),
		"/proc/config.gz",
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "#") || line == "" {
				continue
			}
			if idx := strings.Index(line, "="); idx >= 0 {
				key := line[:idx]
				val := line[idx+1:]
				configs[key] = val == "y" || val == "m"
			}
		}
		break
	}
	return configs
}

func readKernelRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func capabilityLevel(caps map[string]bool) int {
	if caps["btf_vmlinux"] && caps["config_bpf_syscall"] && caps["config_debug_info_btf"] {
		return 3
	}
	if caps["bpf_syscall"] && caps["config_bpf"] {
		return 2
	}
	return 1
}

// FormatCapabilities returns a human-readable summary, used by the
// `run` command's startup log line.
func FormatCapabilities(c Capabilities) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("BPF capability tier %d (kernel %s, BTF=%v, CO-RE=%v)\n",
		c.Tier, c.KernelVersion, c.BTFAvailable, c.CORESupport))
	for _, k := range []string{"bpf_syscall", "bpffs", "btf_vmlinux", "perf_events", "kprobes"} {
		status := "no"
		if c.Details[k] {
			status = "yes"
		}
		sb.WriteString(fmt.Sprintf("  %s: %s\n", k, status))
	}
	return sb.String()
}
