package facts

import (
	"context"
	"fmt"
	"strings"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"

	"github.com/openfroyo/converge/pkg/transports"
)

// System call wrappers for testing
var (
	hostInfo       = gohost.InfoWithContext
	cpuInfo        = gocpu.InfoWithContext
	cpuCounts      = gocpu.CountsWithContext
	virtualMemory  = gomem.VirtualMemoryWithContext
	swapMemory     = gomem.SwapMemoryWithContext
	diskPartitions = godisk.PartitionsWithContext
	diskUsage      = godisk.UsageWithContext
	netInterfaces  = gonet.InterfacesWithContext
)

// HostSource reads facts about the local machine through gopsutil.
// Packages are listed with the same commands as ProbeSource, run locally.
type HostSource struct {
	packages *ProbeSource
}

// NewHostSource creates a source for the local machine.
func NewHostSource() *HostSource {
	return &HostSource{packages: NewProbeSource(transports.NewLocal())}
}

// Name implements Source.
func (h *HostSource) Name() string { return "local" }

// Platform implements Source.
func (h *HostSource) Platform(ctx context.Context) (*PlatformFacts, error) {
	info, err := hostInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	facts := &PlatformFacts{
		Platform:        platformName(strings.ToLower(info.Platform)),
		PlatformVersion: info.PlatformVersion,
		PlatformFamily:  strings.ToLower(info.PlatformFamily),
		OS:              strings.ToLower(info.OS),
		Hostname:        info.Hostname,
	}
	facts.Kernel.Release = info.KernelVersion
	facts.Kernel.Machine = info.KernelArch
	if facts.Platform == "" {
		facts.Platform = facts.OS
	}
	if facts.PlatformFamily == "" {
		facts.PlatformFamily = platformFamily(facts.Platform, nil)
	}
	return facts, nil
}

// CPU implements Source.
func (h *HostSource) CPU(ctx context.Context) (*CPUFacts, error) {
	facts := &CPUFacts{}
	if infos, err := cpuInfo(ctx); err == nil && len(infos) > 0 {
		facts.ModelName = infos[0].ModelName
		facts.Vendor = infos[0].VendorID
	}
	total, err := cpuCounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("cpu counts: %w", err)
	}
	facts.Total = total
	if cores, err := cpuCounts(ctx, false); err == nil && cores > 0 {
		facts.Cores = cores
	} else {
		facts.Cores = total
	}
	return facts, nil
}

// Memory implements Source.
func (h *HostSource) Memory(ctx context.Context) (*MemoryFacts, error) {
	vm, err := virtualMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	facts := &MemoryFacts{
		TotalMB:     int64(vm.Total >> 20),
		AvailableMB: int64(vm.Available >> 20),
	}
	if swap, err := swapMemory(ctx); err == nil {
		facts.SwapTotalMB = int64(swap.Total >> 20)
		facts.SwapFreeMB = int64(swap.Free >> 20)
	}
	return facts, nil
}

// Filesystems implements Source.
func (h *HostSource) Filesystems(ctx context.Context) (FilesystemFacts, error) {
	parts, err := diskPartitions(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("disk partitions: %w", err)
	}
	facts := make(FilesystemFacts, len(parts))
	for _, part := range parts {
		if part.Mountpoint == "" {
			continue
		}
		if _, ok := facts[part.Mountpoint]; ok {
			continue
		}
		usage, err := diskUsage(ctx, part.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		facts[part.Mountpoint] = Filesystem{
			Device:      part.Device,
			FSType:      part.Fstype,
			TotalKB:     int64(usage.Total >> 10),
			UsedKB:      int64(usage.Used >> 10),
			AvailableKB: int64(usage.Free >> 10),
			UsePercent:  int(usage.UsedPercent + 0.5),
		}
	}
	return facts, nil
}

// Network implements Source.
func (h *HostSource) Network(ctx context.Context) (*NetworkFacts, error) {
	ifaces, err := netInterfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("network interfaces: %w", err)
	}
	facts := &NetworkFacts{Interfaces: make(map[string]NetworkInterface, len(ifaces))}
	for _, iface := range ifaces {
		if isLoopback(iface.Flags) {
			continue
		}
		ni := NetworkInterface{MACAddress: iface.HardwareAddr}
		for _, addr := range iface.Addrs {
			ni.Addresses = append(ni.Addresses, strings.Split(addr.Addr, "/")[0])
		}
		facts.Interfaces[iface.Name] = ni
	}
	return facts, nil
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

// Packages implements Source.
func (h *HostSource) Packages(ctx context.Context) (*PackageFacts, error) {
	return h.packages.Packages(ctx)
}
