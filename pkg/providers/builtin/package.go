package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// Package actions.
const (
	ActionInstall engine.Action = "install"
	ActionUpgrade engine.Action = "upgrade"
	ActionRemove  engine.Action = "remove"
	ActionPurge   engine.Action = "purge"
)

// packageManager holds the command lines of one package manager.
type packageManager struct {
	name string
	env  map[string]string

	// query prints the installed version and exits zero, or exits non-zero
	// when the package is absent.
	query func(pkg string) string
	// parse turns query output into a version. Empty means absent.
	parse func(out string) string
	// candidate prints the version an upgrade would install.
	candidate func(pkg string) string

	install func(pkg, version string) string
	upgrade func(pkg string) string
	remove  func(pkg string) string
	purge   func(pkg string) string
}

func trimmed(out string) string { return strings.TrimSpace(out) }

var apt = &packageManager{
	name: "apt",
	env:  map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	query: func(pkg string) string {
		return "dpkg-query -W -f='${Status} ${Version}\\n' " + quote(pkg)
	},
	parse: func(out string) string {
		// "install ok installed 1.24.0-2ubuntu1"
		f := strings.Fields(out)
		if len(f) == 4 && f[2] == "installed" {
			return f[3]
		}
		return ""
	},
	candidate: func(pkg string) string {
		return "apt-cache policy " + quote(pkg) + " | awk '/Candidate:/ {print $2}'"
	},
	install: func(pkg, version string) string {
		if version != "" {
			pkg += "=" + version
		}
		return "apt-get install -y -q " + quote(pkg)
	},
	upgrade: func(pkg string) string { return "apt-get install -y -q --only-upgrade " + quote(pkg) },
	remove:  func(pkg string) string { return "apt-get remove -y -q " + quote(pkg) },
	purge:   func(pkg string) string { return "apt-get purge -y -q " + quote(pkg) },
}

func rpmQuery(pkg string) string {
	return "rpm -q --queryformat '%{VERSION}-%{RELEASE}' " + quote(pkg)
}

var dnf = &packageManager{
	name:  "dnf",
	query: rpmQuery,
	parse: trimmed,
	candidate: func(pkg string) string {
		return "dnf -q repoquery --latest-limit 1 --qf '%{version}-%{release}' " + quote(pkg)
	},
	install: func(pkg, version string) string {
		if version != "" {
			pkg += "-" + version
		}
		return "dnf install -y -q " + quote(pkg)
	},
	upgrade: func(pkg string) string { return "dnf upgrade -y -q " + quote(pkg) },
	remove:  func(pkg string) string { return "dnf remove -y -q " + quote(pkg) },
}

var zypper = &packageManager{
	name:  "zypper",
	query: rpmQuery,
	parse: trimmed,
	candidate: func(pkg string) string {
		return "zypper -n -q info " + quote(pkg) + " | awk -F': *' '/^Version/ {print $2}'"
	},
	install: func(pkg, version string) string {
		if version != "" {
			pkg += "=" + version
		}
		return "zypper -n install " + quote(pkg)
	},
	upgrade: func(pkg string) string { return "zypper -n update " + quote(pkg) },
	remove:  func(pkg string) string { return "zypper -n remove " + quote(pkg) },
}

var freebsdPkg = &packageManager{
	name:      "freebsd",
	env:       map[string]string{"ASSUME_ALWAYS_YES": "yes"},
	query:     func(pkg string) string { return "pkg query '%v' " + quote(pkg) },
	parse:     trimmed,
	candidate: func(pkg string) string { return "pkg rquery '%v' " + quote(pkg) },
	install: func(pkg, version string) string {
		if version != "" {
			pkg += "-" + version
		}
		return "pkg install -y " + quote(pkg)
	},
	upgrade: func(pkg string) string { return "pkg upgrade -y " + quote(pkg) },
	remove:  func(pkg string) string { return "pkg delete -y " + quote(pkg) },
}

// detectScript prints the first package manager found on the node.
const detectScript = `for m in apt-get dnf yum zypper pkg; do command -v $m >/dev/null 2>&1 && { echo $m; exit 0; }; done; exit 1`

var detected = map[string]*packageManager{
	"apt-get": apt,
	"dnf":     dnf,
	"yum":     dnf,
	"zypper":  zypper,
	"pkg":     freebsdPkg,
}

func packageClass(name string, mgr *packageManager) *class {
	actions := []engine.Action{ActionInstall, ActionUpgrade, ActionRemove}
	if mgr == nil || mgr.purge != nil {
		actions = append(actions, ActionPurge)
	}
	return &class{
		name:    name,
		types:   []string{"package"},
		actions: actions,
		newFn: func(b engine.ProviderBase, t transports.Transport) engine.Provider {
			return &packageProvider{ProviderBase: b, node: node{t: t, res: b.Resource}, mgr: mgr}
		},
	}
}

// Package provider classes. Properties:
//
//	package_name  defaults to the resource name
//	version       pins install to a version
var (
	AptClass     engine.ProviderClass = packageClass("package_apt", apt)
	DnfClass     engine.ProviderClass = packageClass("package_dnf", dnf)
	ZypperClass  engine.ProviderClass = packageClass("package_zypper", zypper)
	FreeBSDClass engine.ProviderClass = packageClass("package_freebsd", freebsdPkg)

	// GenericPackageClass detects the package manager on the node when the
	// resource is loaded.
	GenericPackageClass engine.ProviderClass = packageClass("package_generic", nil)
)

type packageProvider struct {
	engine.ProviderBase
	node

	mgr     *packageManager
	pkg     string
	current string
}

func (p *packageProvider) LoadCurrentResource(ctx context.Context) error {
	p.pkg = p.res.StringProperty("package_name", p.res.Name)

	if p.mgr == nil {
		res, err := p.run(ctx, detectScript)
		if err != nil {
			return err
		}
		p.mgr = detected[strings.TrimSpace(res.Stdout)]
		if !res.Success() || p.mgr == nil {
			return engine.NewPermanentError("no supported package manager found", nil).
				WithResource(p.res.String()).
				WithOperation("load").
				WithCode(engine.ErrCodeProviderNotFound)
		}
	}

	res, err := p.run(ctx, p.mgr.query(p.pkg))
	if err != nil {
		return err
	}
	if res.Success() {
		p.current = p.mgr.parse(res.Stdout)
	}
	p.SetCurrent(map[string]any{
		"package_name": p.pkg,
		"manager":      p.mgr.name,
		"installed":    p.current != "",
		"version":      p.current,
	})
	return nil
}

func (p *packageProvider) Action(ctx context.Context, action engine.Action) error {
	want := p.res.StringProperty("version", "")

	switch action {
	case ActionInstall:
		switch {
		case p.current == "":
			desc := "install package " + p.pkg
			if want != "" {
				desc += " version " + want
			}
			p.converge(desc, p.mgr.install(p.pkg, want))
		case want != "" && want != p.current:
			p.converge(fmt.Sprintf("install version %s of package %s (currently %s)", want, p.pkg, p.current),
				p.mgr.install(p.pkg, want))
		}
		return nil

	case ActionUpgrade:
		if p.current == "" {
			p.converge("install package "+p.pkg, p.mgr.install(p.pkg, ""))
			return nil
		}
		res, err := p.run(ctx, p.mgr.candidate(p.pkg))
		if err != nil {
			return err
		}
		candidate := strings.TrimSpace(res.Stdout)
		if res.Success() && candidate != "" && candidate != "(none)" && candidate != p.current {
			p.converge(fmt.Sprintf("upgrade package %s from %s to %s", p.pkg, p.current, candidate), p.mgr.upgrade(p.pkg))
		}
		return nil

	case ActionRemove:
		if p.current != "" {
			p.converge("remove package "+p.pkg, p.mgr.remove(p.pkg))
		}
		return nil

	case ActionPurge:
		if p.mgr.purge == nil {
			return engine.UnsupportedActionError(p.res, action, "package_"+p.mgr.name)
		}
		if p.current != "" {
			p.converge("purge package "+p.pkg, p.mgr.purge(p.pkg))
		}
		return nil

	case engine.ActionNothing:
		return nil
	default:
		return engine.UnsupportedActionError(p.res, action, "package_"+p.mgr.name)
	}
}

func (p *packageProvider) converge(desc, script string) {
	cmd := p.command(script)
	cmd.Env = p.mgr.env
	p.ConvergeBy(desc, func(ctx context.Context) error {
		_, err := p.checkCmd(ctx, cmd)
		return err
	})
}
