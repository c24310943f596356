package facts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/converge/pkg/transports"
)

// Source gathers facts for one namespace at a time.
type Source interface {
	// Name identifies the source, e.g. "local" or the transport name.
	Name() string

	Platform(ctx context.Context) (*PlatformFacts, error)
	CPU(ctx context.Context) (*CPUFacts, error)
	Memory(ctx context.Context) (*MemoryFacts, error)
	Filesystems(ctx context.Context) (FilesystemFacts, error)
	Network(ctx context.Context) (*NetworkFacts, error)
	Packages(ctx context.Context) (*PackageFacts, error)
}

// NewSource picks the source for a transport: gopsutil for the local
// machine, command probes for anything else.
func NewSource(t transports.Transport) Source {
	if t == nil {
		return NewHostSource()
	}
	if _, ok := t.(*transports.Local); ok {
		return NewHostSource()
	}
	return NewProbeSource(t)
}

// ProbeSource reads facts by running commands and reading files through a
// transport.
type ProbeSource struct {
	t transports.Transport
}

// NewProbeSource creates a source that probes through t.
func NewProbeSource(t transports.Transport) *ProbeSource {
	return &ProbeSource{t: t}
}

// Name implements Source.
func (p *ProbeSource) Name() string { return p.t.Name() }

func (p *ProbeSource) output(ctx context.Context, script string) (string, error) {
	res, err := transports.Check(ctx, p.t, transports.Command{Script: script})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Platform implements Source.
func (p *ProbeSource) Platform(ctx context.Context) (*PlatformFacts, error) {
	osName, err := p.output(ctx, "uname -s")
	if err != nil {
		return nil, fmt.Errorf("failed to detect os: %w", err)
	}
	facts := &PlatformFacts{OS: strings.ToLower(osName)}

	if out, err := p.output(ctx, "uname -r"); err == nil {
		facts.Kernel.Release = out
	}
	if out, err := p.output(ctx, "uname -m"); err == nil {
		facts.Kernel.Machine = out
	}
	if out, err := p.output(ctx, "hostname"); err == nil {
		facts.Hostname = out
	}

	data, err := p.t.ReadFile(ctx, "/etc/os-release")
	switch {
	case err == nil:
		rel := parseOSRelease(string(data))
		facts.Platform = platformName(rel.ID)
		facts.PlatformVersion = rel.VersionID
		facts.PlatformFamily = platformFamily(facts.Platform, rel.IDLike)
	case errors.Is(err, fs.ErrNotExist):
		facts.Platform = facts.OS
		facts.PlatformVersion = facts.Kernel.Release
		facts.PlatformFamily = platformFamily(facts.Platform, nil)
	default:
		return nil, fmt.Errorf("failed to read os-release: %w", err)
	}
	return facts, nil
}

// CPU implements Source.
func (p *ProbeSource) CPU(ctx context.Context) (*CPUFacts, error) {
	data, err := p.t.ReadFile(ctx, "/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/cpuinfo: %w", err)
	}

	facts := &CPUFacts{}
	cores := make(map[string]struct{})
	var physical string
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "processor":
			facts.Total++
		case "model name":
			facts.ModelName = value
		case "vendor_id":
			facts.Vendor = value
		case "physical id":
			physical = value
		case "core id":
			cores[physical+"/"+value] = struct{}{}
		}
	}
	facts.Cores = len(cores)
	if facts.Cores == 0 {
		facts.Cores = facts.Total
	}
	return facts, nil
}

// Memory implements Source.
func (p *ProbeSource) Memory(ctx context.Context) (*MemoryFacts, error) {
	data, err := p.t.ReadFile(ctx, "/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}

	facts := &MemoryFacts{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			facts.TotalMB = kb / 1024
		case "MemAvailable:":
			facts.AvailableMB = kb / 1024
		case "SwapTotal:":
			facts.SwapTotalMB = kb / 1024
		case "SwapFree:":
			facts.SwapFreeMB = kb / 1024
		}
	}
	return facts, nil
}

// Filesystems implements Source.
func (p *ProbeSource) Filesystems(ctx context.Context) (FilesystemFacts, error) {
	out, err := p.output(ctx, "df -P -T -k")
	if err != nil {
		return nil, fmt.Errorf("failed to get disk info: %w", err)
	}
	return parseDF(out), nil
}

// parseDF reads POSIX df output with a type column:
// Filesystem Type 1024-blocks Used Available Capacity Mounted-on.
func parseDF(out string) FilesystemFacts {
	facts := make(FilesystemFacts)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 7 || !strings.HasPrefix(fields[0], "/") {
			continue
		}
		fsys := Filesystem{Device: fields[0], FSType: fields[1]}
		fsys.TotalKB, _ = strconv.ParseInt(fields[2], 10, 64)
		fsys.UsedKB, _ = strconv.ParseInt(fields[3], 10, 64)
		fsys.AvailableKB, _ = strconv.ParseInt(fields[4], 10, 64)
		fsys.UsePercent, _ = strconv.Atoi(strings.TrimSuffix(fields[5], "%"))
		facts[strings.Join(fields[6:], " ")] = fsys
	}
	return facts
}

// Network implements Source.
func (p *ProbeSource) Network(ctx context.Context) (*NetworkFacts, error) {
	out, err := p.output(ctx, "ip -o addr show")
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	facts := parseIPAddr(out)
	names := make([]string, 0, len(facts.Interfaces))
	for name := range facts.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := p.t.ReadFile(ctx, "/sys/class/net/"+name+"/address")
		if err != nil {
			continue
		}
		iface := facts.Interfaces[name]
		iface.MACAddress = strings.TrimSpace(string(data))
		facts.Interfaces[name] = iface
	}
	return facts, nil
}

// parseIPAddr reads `ip -o addr show` output, skipping loopback.
func parseIPAddr(out string) *NetworkFacts {
	facts := &NetworkFacts{Interfaces: make(map[string]NetworkInterface)}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "lo" {
			continue
		}
		iface := facts.Interfaces[name]
		for i, field := range fields {
			if (field == "inet" || field == "inet6") && i+1 < len(fields) {
				iface.Addresses = append(iface.Addresses, strings.Split(fields[i+1], "/")[0])
			}
		}
		facts.Interfaces[name] = iface
	}
	return facts
}

// packageQueries lists package managers and the commands that print
// "name version" per installed package, in probe order.
var packageQueries = []struct {
	manager string
	detect  string
	list    string
}{
	{"dpkg", "command -v dpkg-query", `dpkg-query -W -f='${Package} ${Version}\n'`},
	{"rpm", "command -v rpm", `rpm -qa --qf '%{NAME} %{VERSION}-%{RELEASE}\n'`},
	{"pkg", "command -v pkg", `pkg query '%n %v'`},
	{"apk", "command -v apk", `apk info -v 2>/dev/null | sed -E 's/-([0-9][^-]*-r[0-9]+)$/ \1/'`},
}

// Packages implements Source.
func (p *ProbeSource) Packages(ctx context.Context) (*PackageFacts, error) {
	for _, q := range packageQueries {
		if _, err := p.output(ctx, q.detect); err != nil {
			continue
		}
		out, err := p.output(ctx, q.list)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s packages: %w", q.manager, err)
		}
		return &PackageFacts{Manager: q.manager, Packages: parsePackages(out)}, nil
	}
	return nil, errors.New("no supported package manager found")
}

func parsePackages(out string) map[string]string {
	pkgs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		name, version, _ := strings.Cut(strings.TrimSpace(line), " ")
		if name != "" {
			pkgs[name] = strings.TrimSpace(version)
		}
	}
	return pkgs
}
