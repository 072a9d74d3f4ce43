// Package platform performs the single startup PlatformProbe step
// described in spec §9: one probe fills a config.Platform value, and every
// other component reads from it instead of re-probing.
package platform

import (
	"os"
	"strings"

	"github.com/benchhouse/nodebench/internal/config"
)

// dmiVersionPath and dmiVendorPath are read the same way the teacher's
// SystemCollector reads /etc/os-release and /proc/version: a plain
// os.ReadFile plus a trimmed string compare, no metadata-endpoint HTTP
// probing (per §9, platform detection must not probe networked metadata
// services at runtime; a local DMI/sysfs marker is used instead).
const (
	dmiVersionPath = "/sys/devices/virtual/dmi/id/product_version"
	dmiVendorPath  = "/sys/devices/virtual/dmi/id/sys_vendor"
	enaDriverGlob  = "/sys/class/net/%s/device/driver"
)

// Probe detects whether the host is running on AWS and fills the result
// into cfg.Platform and cfg.ENAEnabled. If cfg.Platform is already set to
// something other than config.PlatformAuto, the explicit value is kept and
// no detection runs — this lets operators override detection entirely.
func Probe(cfg config.Config) config.Config {
	if cfg.Platform != config.PlatformAuto && cfg.Platform != "" {
		return cfg
	}

	if isAWS() {
		cfg.Platform = config.PlatformAWS
		cfg.ENAEnabled = hasENADriver(cfg.NetworkInterface)
	} else {
		cfg.Platform = config.PlatformOther
		cfg.ENAEnabled = false
	}
	return cfg
}

func isAWS() bool {
	vendor := readFile(dmiVendorPath)
	if strings.Contains(strings.ToLower(vendor), "amazon") {
		return true
	}
	version := readFile(dmiVersionPath)
	return strings.Contains(strings.ToLower(version), "amazon")
}

// hasENADriver checks whether the configured network interface is bound to
// the "ena" kernel driver by resolving the sysfs driver symlink.
func hasENADriver(iface string) bool {
	if iface == "" {
		return false
	}
	link, err := os.Readlink(fileName(enaDriverGlob, iface))
	if err != nil {
		return false
	}
	return strings.Contains(link, "ena")
}

func fileName(format, iface string) string {
	return strings.Replace(format, "%s", iface, 1)
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
