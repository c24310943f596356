package facts

import (
	"context"
	"errors"
	"testing"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/transports"
)

const ubuntuRelease = `NAME="Ubuntu"
VERSION_ID="22.04"
ID=ubuntu
ID_LIKE=debian
`

func ubuntuTarget() *transports.Recorder {
	rec := (&transports.Recorder{}).
		Respond(`^uname -s$`, transports.Result{Stdout: "Linux\n"}).
		Respond(`^uname -r$`, transports.Result{Stdout: "6.1.0-18-amd64\n"}).
		Respond(`^uname -m$`, transports.Result{Stdout: "x86_64\n"}).
		Respond(`^hostname$`, transports.Result{Stdout: "web01\n"})
	rec.PutFile("/etc/os-release", []byte(ubuntuRelease), 0o644)
	return rec
}

func TestProbeSource_Platform(t *testing.T) {
	p := NewProbeSource(ubuntuTarget())

	facts, err := p.Platform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", facts.Platform)
	assert.Equal(t, "22.04", facts.PlatformVersion)
	assert.Equal(t, "debian", facts.PlatformFamily)
	assert.Equal(t, "linux", facts.OS)
	assert.Equal(t, "web01", facts.Hostname)
	assert.Equal(t, "6.1.0-18-amd64", facts.Kernel.Release)
	assert.Equal(t, "x86_64", facts.Kernel.Machine)
}

func TestProbeSource_PlatformWithoutOSRelease(t *testing.T) {
	rec := (&transports.Recorder{}).
		Respond(`^uname -s$`, transports.Result{Stdout: "FreeBSD\n"}).
		Respond(`^uname -r$`, transports.Result{Stdout: "14.0-RELEASE\n"})

	facts, err := NewProbeSource(rec).Platform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "freebsd", facts.Platform)
	assert.Equal(t, "freebsd", facts.PlatformFamily)
	assert.Equal(t, "14.0-RELEASE", facts.PlatformVersion)
}

func TestProbeSource_PlatformUnreachable(t *testing.T) {
	rec := (&transports.Recorder{}).Fail(`^uname -s$`, &transports.Error{Op: "connect", Err: errors.New("no route to host")})

	_, err := NewProbeSource(rec).Platform(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
}

func TestProbeSource_Hardware(t *testing.T) {
	rec := &transports.Recorder{}
	rec.PutFile("/proc/cpuinfo", []byte(`processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU
physical id	: 0
core id		: 0

processor	: 1
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU
physical id	: 0
core id		: 0
`), 0o444)
	rec.PutFile("/proc/meminfo", []byte(`MemTotal:        8048640 kB
MemFree:          1000000 kB
MemAvailable:     4024320 kB
SwapTotal:        2097152 kB
SwapFree:         2097152 kB
`), 0o444)
	p := NewProbeSource(rec)
	ctx := context.Background()

	cpu, err := p.CPU(ctx)
	require.NoError(t, err)
	assert.Equal(t, &CPUFacts{ModelName: "Intel(R) Xeon(R) CPU", Vendor: "GenuineIntel", Cores: 1, Total: 2}, cpu)

	mem, err := p.Memory(ctx)
	require.NoError(t, err)
	assert.Equal(t, &MemoryFacts{TotalMB: 7860, AvailableMB: 3930, SwapTotalMB: 2048, SwapFreeMB: 2048}, mem)
}

func TestParseDF(t *testing.T) {
	out := `Filesystem     Type  1024-blocks     Used Available Capacity Mounted on
/dev/sda1      ext4     41152736 12345678  26693806      32% /
tmpfs          tmpfs      816388        0    816388       0% /run
/dev/sdb1      xfs     104806400  1048064 103758336       2% /srv/data dir
`
	facts := parseDF(out)
	require.Len(t, facts, 2)
	assert.Equal(t, Filesystem{
		Device: "/dev/sda1", FSType: "ext4",
		TotalKB: 41152736, UsedKB: 12345678, AvailableKB: 26693806, UsePercent: 32,
	}, facts["/"])
	assert.Equal(t, "xfs", facts["/srv/data dir"].FSType)
}

func TestProbeSource_Network(t *testing.T) {
	rec := (&transports.Recorder{}).Respond(`^ip -o addr show$`, transports.Result{Stdout: `1: lo    inet 127.0.0.1/8 scope host lo
2: eth0    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0
2: eth0    inet6 fe80::1/64 scope link
`})
	rec.PutFile("/sys/class/net/eth0/address", []byte("52:54:00:12:34:56\n"), 0o444)

	facts, err := NewProbeSource(rec).Network(context.Background())
	require.NoError(t, err)
	require.Len(t, facts.Interfaces, 1)
	assert.Equal(t, NetworkInterface{
		Addresses:  []string{"10.0.0.5", "fe80::1"},
		MACAddress: "52:54:00:12:34:56",
	}, facts.Interfaces["eth0"])
}

func TestProbeSource_Packages(t *testing.T) {
	rec := (&transports.Recorder{}).
		Respond(`dpkg-query$`, transports.Result{ExitCode: 1}).
		Respond(`^rpm -qa`, transports.Result{Stdout: "bash 5.1.8-6.el9\nnginx 1.20.1-14.el9\n"})

	facts, err := NewProbeSource(rec).Packages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rpm", facts.Manager)
	assert.Equal(t, map[string]string{"bash": "5.1.8-6.el9", "nginx": "1.20.1-14.el9"}, facts.Packages)
}

func TestProbeSource_NoPackageManager(t *testing.T) {
	rec := (&transports.Recorder{}).Respond(`^command -v`, transports.Result{ExitCode: 1})

	_, err := NewProbeSource(rec).Packages(context.Background())
	require.Error(t, err)
}

func TestPlatformFamily(t *testing.T) {
	tests := []struct {
		id   string
		like []string
		want string
	}{
		{"ubuntu", nil, "debian"},
		{"rocky", []string{"rhel", "centos", "fedora"}, "rhel"},
		{"amzn", nil, "amazon"},
		{"sles", nil, "suse"},
		{"pop", nil, "debian"},
		{"nobara", []string{"fedora"}, "fedora"},
		{"plan9", nil, "plan9"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, platformFamily(platformName(tt.id), tt.like))
		})
	}
}

func TestNewSource(t *testing.T) {
	assert.IsType(t, &HostSource{}, NewSource(nil))
	assert.IsType(t, &HostSource{}, NewSource(transports.NewLocal()))
	assert.IsType(t, &ProbeSource{}, NewSource(&transports.Recorder{}))
}

func TestHostSource(t *testing.T) {
	stubHost(t)
	h := NewHostSource()
	ctx := context.Background()

	platform, err := h.Platform(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rhel", platform.Platform)
	assert.Equal(t, "rhel", platform.PlatformFamily)
	assert.Equal(t, "9.3", platform.PlatformVersion)
	assert.Equal(t, "linux", platform.OS)

	cpu, err := h.CPU(ctx)
	require.NoError(t, err)
	assert.Equal(t, &CPUFacts{ModelName: "AMD EPYC", Vendor: "AuthenticAMD", Cores: 4, Total: 8}, cpu)

	mem, err := h.Memory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(16384), mem.TotalMB)
	assert.Equal(t, int64(1024), mem.SwapTotalMB)

	fsys, err := h.Filesystems(ctx)
	require.NoError(t, err)
	require.Len(t, fsys, 1)
	assert.Equal(t, 25, fsys["/"].UsePercent)

	network, err := h.Network(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]NetworkInterface{
		"ens3": {Addresses: []string{"192.168.1.10"}, MACAddress: "52:54:00:aa:bb:cc"},
	}, network.Interfaces)
}

func stubHost(t *testing.T) {
	t.Helper()
	origHost, origInfo, origCounts := hostInfo, cpuInfo, cpuCounts
	origVM, origSwap, origParts, origUsage, origNet := virtualMemory, swapMemory, diskPartitions, diskUsage, netInterfaces
	t.Cleanup(func() {
		hostInfo, cpuInfo, cpuCounts = origHost, origInfo, origCounts
		virtualMemory, swapMemory, diskPartitions, diskUsage, netInterfaces = origVM, origSwap, origParts, origUsage, origNet
	})

	hostInfo = func(context.Context) (*gohost.InfoStat, error) {
		return &gohost.InfoStat{
			Hostname: "db01", OS: "linux", Platform: "rhel", PlatformFamily: "rhel",
			PlatformVersion: "9.3", KernelVersion: "5.14.0", KernelArch: "x86_64",
		}, nil
	}
	cpuInfo = func(context.Context) ([]gocpu.InfoStat, error) {
		return []gocpu.InfoStat{{ModelName: "AMD EPYC", VendorID: "AuthenticAMD"}}, nil
	}
	cpuCounts = func(_ context.Context, logical bool) (int, error) {
		if logical {
			return 8, nil
		}
		return 4, nil
	}
	virtualMemory = func(context.Context) (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{Total: 16 << 30, Available: 8 << 30}, nil
	}
	swapMemory = func(context.Context) (*gomem.SwapMemoryStat, error) {
		return &gomem.SwapMemoryStat{Total: 1 << 30, Free: 1 << 30}, nil
	}
	diskPartitions = func(context.Context, bool) ([]godisk.PartitionStat, error) {
		return []godisk.PartitionStat{
			{Device: "/dev/vda1", Mountpoint: "/", Fstype: "xfs"},
			{Device: "/dev/vda1", Mountpoint: "/", Fstype: "xfs"},
			{Device: "proc", Mountpoint: "/proc", Fstype: "proc"},
		}, nil
	}
	diskUsage = func(_ context.Context, path string) (*godisk.UsageStat, error) {
		if path != "/" {
			return &godisk.UsageStat{}, nil
		}
		return &godisk.UsageStat{Total: 100 << 30, Used: 25 << 30, Free: 75 << 30, UsedPercent: 25}, nil
	}
	netInterfaces = func(context.Context) (gonet.InterfaceStatList, error) {
		return gonet.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: gonet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Name: "ens3", HardwareAddr: "52:54:00:aa:bb:cc", Flags: []string{"up", "broadcast"}, Addrs: gonet.InterfaceAddrList{{Addr: "192.168.1.10/24"}}},
		}, nil
	}
}

func newStore(t *testing.T) stores.Store {
	t.Helper()
	s, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCollector_CollectAndCache(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec := ubuntuTarget()
	rec.PutFile("/proc/meminfo", []byte("MemTotal: 2097152 kB\n"), 0o444)

	c := NewCollector("web01", NewProbeSource(rec), WithStore(store), WithTTL(10*time.Minute))

	result, err := c.Collect(ctx, NamespacePlatform, NamespaceMemory)
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Empty(t, result.Errors)
	require.Contains(t, result.Facts, NamespacePlatform)

	fact, err := store.GetFact(ctx, "web01", NamespaceMemory)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_mb":2048,"available_mb":0,"swap_total_mb":0,"swap_free_mb":0}`, fact.Value)
	assert.Equal(t, 600, fact.TTL)

	commands := len(rec.Commands())
	cached, err := c.Load(ctx, false, NamespacePlatform, NamespaceMemory)
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Len(t, rec.Commands(), commands, "cached load must not probe the node")

	node := engine.NewNode("web01")
	require.NoError(t, cached.Apply(node))
	assert.Equal(t, engine.Platform{Name: "ubuntu", Version: "22.04", Family: "debian", OS: "linux"}, node.Platform())
	v, ok := node.Get("memory.total_mb")
	require.True(t, ok)
	assert.EqualValues(t, 2048, v)

	_, err = c.Load(ctx, true, NamespacePlatform)
	require.NoError(t, err)
	assert.Greater(t, len(rec.Commands()), commands, "refresh must probe the node")
}

func TestCollector_PartialFailure(t *testing.T) {
	rec := ubuntuTarget().Respond(`^ip -o addr show$`, transports.Result{ExitCode: 127, Stderr: "ip: not found"})

	result, err := NewCollector("web01", NewProbeSource(rec)).Collect(context.Background(), NamespacePlatform, NamespaceNetwork, NamespaceCPU)
	require.NoError(t, err)
	assert.Contains(t, result.Facts, NamespacePlatform)
	assert.NotContains(t, result.Facts, NamespaceNetwork)
	assert.Contains(t, result.Errors[NamespaceNetwork], "ip: not found")
	assert.Contains(t, result.Errors, NamespaceCPU)
}

func TestCollector_PlatformFailure(t *testing.T) {
	rec := (&transports.Recorder{}).Respond(`^uname -s$`, transports.Result{ExitCode: 1})

	_, err := NewCollector("web01", NewProbeSource(rec)).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform")
}

func TestCollector_UnknownNamespace(t *testing.T) {
	_, err := NewCollector("web01", NewProbeSource(&transports.Recorder{})).Collect(context.Background(), "gpu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"gpu"`)
}

func TestResult_Attributes(t *testing.T) {
	r := &Result{Facts: map[string]any{
		NamespacePlatform: &PlatformFacts{Platform: "debian", PlatformFamily: "debian", OS: "linux"},
		NamespacePackages: &PackageFacts{Manager: "dpkg", Packages: map[string]string{"nginx": "1.22.1"}},
	}}

	attrs, err := r.Attributes()
	require.NoError(t, err)
	assert.Equal(t, "debian", attrs["platform"])
	assert.Equal(t, "linux", attrs["os"])
	assert.Equal(t, map[string]any{
		"manager":  "dpkg",
		"packages": map[string]any{"nginx": "1.22.1"},
	}, attrs["packages"])
}
