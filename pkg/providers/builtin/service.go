package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// Service actions.
const (
	ActionStart   engine.Action = "start"
	ActionStop    engine.Action = "stop"
	ActionRestart engine.Action = "restart"
	ActionReload  engine.Action = "reload"
	ActionEnable  engine.Action = "enable"
	ActionDisable engine.Action = "disable"
)

var serviceActions = []engine.Action{ActionStart, ActionStop, ActionRestart, ActionReload, ActionEnable, ActionDisable}

// serviceManager holds the command lines of one init system.
type serviceManager struct {
	name    string
	running func(svc string) string
	enabled func(svc string) string
	// enabledOutput, when set, decides enablement from the probe's output
	// instead of its exit status.
	enabledOutput func(out string) bool
	control       func(svc string, action engine.Action) string
}

var systemd = &serviceManager{
	name:    "systemd",
	running: func(svc string) string { return "systemctl is-active --quiet " + quote(svc) },
	enabled: func(svc string) string { return "systemctl is-enabled --quiet " + quote(svc) },
	control: func(svc string, action engine.Action) string {
		return "systemctl " + string(action) + " " + quote(svc)
	},
}

var freebsdRC = &serviceManager{
	name:    "freebsd",
	running: func(svc string) string { return "service " + quote(svc) + " onestatus" },
	enabled: func(svc string) string { return "sysrc -n " + quote(svc+"_enable") },
	enabledOutput: func(out string) bool {
		switch strings.ToLower(strings.TrimSpace(out)) {
		case "yes", "true", "on", "1":
			return true
		}
		return false
	},
	control: func(svc string, action engine.Action) string {
		switch action {
		case ActionEnable:
			return "sysrc " + quote(svc+"_enable=YES")
		case ActionDisable:
			return "sysrc " + quote(svc+"_enable=NO")
		default:
			return "service " + quote(svc) + " one" + string(action)
		}
	},
}

func serviceClass(name string, mgr *serviceManager) *class {
	return &class{
		name:    name,
		types:   []string{"service"},
		actions: serviceActions,
		newFn: func(b engine.ProviderBase, t transports.Transport) engine.Provider {
			return &serviceProvider{ProviderBase: b, node: node{t: t, res: b.Resource}, mgr: mgr}
		},
	}
}

// Service provider classes. The service_name property defaults to the
// resource name.
var (
	SystemdClass   engine.ProviderClass = serviceClass("service_systemd", systemd)
	FreeBSDRCClass engine.ProviderClass = serviceClass("service_freebsd", freebsdRC)
)

type serviceProvider struct {
	engine.ProviderBase
	node

	mgr     *serviceManager
	svc     string
	running bool
	enabled bool
}

func (p *serviceProvider) LoadCurrentResource(ctx context.Context) error {
	p.svc = p.res.StringProperty("service_name", p.res.Name)

	var err error
	if p.running, err = p.ok(ctx, p.mgr.running(p.svc)); err != nil {
		return err
	}
	res, err := p.run(ctx, p.mgr.enabled(p.svc))
	if err != nil {
		return err
	}
	if p.mgr.enabledOutput != nil {
		p.enabled = res.Success() && p.mgr.enabledOutput(res.Stdout)
	} else {
		p.enabled = res.Success()
	}

	p.SetCurrent(map[string]any{
		"service_name": p.svc,
		"running":      p.running,
		"enabled":      p.enabled,
	})
	return nil
}

func (p *serviceProvider) Action(ctx context.Context, action engine.Action) error {
	switch action {
	case ActionStart:
		if !p.running {
			p.control(action, "start service "+p.svc)
		}
	case ActionStop:
		if p.running {
			p.control(action, "stop service "+p.svc)
		}
	case ActionRestart:
		p.control(action, "restart service "+p.svc)
	case ActionReload:
		// A stopped service picks up its configuration when it starts.
		if p.running {
			p.control(action, "reload service "+p.svc)
		}
	case ActionEnable:
		if !p.enabled {
			p.control(action, "enable service "+p.svc)
		}
	case ActionDisable:
		if p.enabled {
			p.control(action, "disable service "+p.svc)
		}
	case engine.ActionNothing:
	default:
		return engine.UnsupportedActionError(p.res, action, "service_"+p.mgr.name)
	}
	return nil
}

func (p *serviceProvider) control(action engine.Action, desc string) {
	script := p.mgr.control(p.svc, action)
	p.ConvergeBy(desc, func(ctx context.Context) error {
		if _, err := p.check(ctx, script); err != nil {
			return fmt.Errorf("%s %s: %w", action, p.svc, err)
		}
		return nil
	})
}
