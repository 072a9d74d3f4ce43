package sampler

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/metrics"
)

// netDevRaw holds one interface's cumulative counters from /proc/net/dev,
// same field layout as the teacher's collector.NetworkCollector.parseNetDev.
type netDevRaw struct {
	rxBytes, rxPackets uint64
	txBytes, txPackets uint64
}

// NetworkSampler reads /proc/net/dev for one configured interface per
// tick and reports the delta against the previous tick, replacing the
// teacher's internal sleep-then-resample with clock-driven delta state.
type NetworkSampler struct {
	procRoot  string
	iface     string
	bandwidth float64 // configured link bandwidth, Mbps

	prev        netDevRaw
	havePrev    bool
}

func NewNetworkSampler(procRoot, iface string, bandwidthMbps float64) *NetworkSampler {
	return &NetworkSampler{procRoot: procRoot, iface: iface, bandwidth: bandwidthMbps}
}

func (n *NetworkSampler) Name() string            { return "network" }
func (n *NetworkSampler) Available() Availability { return AlwaysAvailable }

func (n *NetworkSampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	cur, err := n.readNetDev()
	if err != nil {
		return metrics.NetworkFields{Interface: n.iface}, err
	}

	intervalSec := tick.Deadline.Sub(tick.Time).Seconds()
	if !n.havePrev || intervalSec <= 0 {
		n.prev = cur
		n.havePrev = true
		return metrics.NetworkFields{Interface: n.iface}, nil
	}

	rxBytesPerSec := float64(cur.rxBytes-n.prev.rxBytes) / intervalSec
	txBytesPerSec := float64(cur.txBytes-n.prev.txBytes) / intervalSec
	rxPps := float64(cur.rxPackets-n.prev.rxPackets) / intervalSec
	txPps := float64(cur.txPackets-n.prev.txPackets) / intervalSec
	n.prev = cur

	rxMbps := rxBytesPerSec * 8 / 1_000_000
	txMbps := txBytesPerSec * 8 / 1_000_000

	return metrics.NetworkFields{
		Interface:       n.iface,
		RxMbps:          rxMbps,
		TxMbps:          txMbps,
		TotalMbps:       rxMbps + txMbps,
		RxGbps:          rxMbps / 1000,
		TxGbps:          txMbps / 1000,
		TotalGbps:       (rxMbps + txMbps) / 1000,
		RxPktsPerSec:    rxPps,
		TxPktsPerSec:    txPps,
		TotalPktsPerSec: rxPps + txPps,
	}, nil
}

// readNetDev parses /proc/net/dev for this sampler's one interface, field
// offsets identical to the teacher's collector.parseNetDev.
func (n *NetworkSampler) readNetDev() (netDevRaw, error) {
	f, err := os.Open(filepath.Join(n.procRoot, "net", "dev"))
	if err != nil {
		return netDevRaw{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum <= 2 {
			continue
		}
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) != n.iface {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 16 {
			continue
		}
		rxBytes, _ := strconv.ParseUint(fields[0], 10, 64)
		rxPackets, _ := strconv.ParseUint(fields[1], 10, 64)
		txBytes, _ := strconv.ParseUint(fields[8], 10, 64)
		txPackets, _ := strconv.ParseUint(fields[9], 10, 64)
		return netDevRaw{
			rxBytes: rxBytes, rxPackets: rxPackets,
			txBytes: txBytes, txPackets: txPackets,
		}, nil
	}
	return netDevRaw{}, scanner.Err()
}

// ENASampler reads the AWS ENA driver's sysfs allowance-exceeded counters
// for the configured interface. Grounded on the teacher's sysfs-reading
// idiom (collector.DiskCollector.readFile) applied to a different path
// set; the teacher repo has no ENA collector of its own, so this follows
// the reference pack's general "read a counter file under sysfs, parse as
// int" pattern rather than any one teacher file.
type ENASampler struct {
	sysRoot string
	iface   string
}

func NewENASampler(sysRoot, iface string) *ENASampler {
	return &ENASampler{sysRoot: sysRoot, iface: iface}
}

func (e *ENASampler) Name() string { return "ena" }

func (e *ENASampler) Available() Availability {
	base := filepath.Join(e.sysRoot, "class", "net", e.iface, "statistics")
	if _, err := os.Stat(base); err != nil {
		return Availability{Tier: 0, Reason: "ENA statistics not present under sysfs"}
	}
	return Availability{Tier: 2}
}

func (e *ENASampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	base := filepath.Join(e.sysRoot, "class", "net", e.iface, "device")
	read := func(name string) int64 {
		data, err := os.ReadFile(filepath.Join(base, name))
		if err != nil {
			return 0
		}
		v, _ := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		return v
	}
	return metrics.ENAFields{
		BWInExceeded:      read("bw_in_allowance_exceeded"),
		BWOutExceeded:     read("bw_out_allowance_exceeded"),
		PPSExceeded:       read("pps_allowance_exceeded"),
		ConntrackExceeded: read("conntrack_allowance_exceeded"),
		LinklocalExceeded: read("linklocal_allowance_exceeded"),
		Available:         1,
	}, nil
}
