package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"path"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

const defaultDirMode fs.FileMode = 0o755

// DirectoryClass manages directories. Properties: path, mode, owner, group,
// and recursive, which lets delete remove a non-empty directory.
var DirectoryClass engine.ProviderClass = &class{
	name:    "directory",
	types:   []string{"directory"},
	actions: []engine.Action{ActionCreate, ActionDelete},
	newFn: func(b engine.ProviderBase, t transports.Transport) engine.Provider {
		return &directoryProvider{ProviderBase: b, node: node{t: t, res: b.Resource}}
	},
}

type directoryProvider struct {
	engine.ProviderBase
	node

	path  string
	info  *transports.FileInfo
	owner ownership
}

func (p *directoryProvider) LoadCurrentResource(ctx context.Context) error {
	p.path = p.res.StringProperty("path", p.res.Name)

	info, err := p.t.Stat(ctx, p.path)
	if err != nil {
		return transports.EngineError(err, p.res, "stat")
	}
	if info.Exists && !info.IsDir {
		return invalid(p.res, "%s exists and is not a directory", p.path)
	}
	p.info = info

	state := map[string]any{"path": p.path, "exists": info.Exists}
	if info.Exists {
		state["mode"] = formatMode(info.Mode)
		if p.owner, err = loadOwnership(ctx, p.node, p.path); err != nil {
			return err
		}
		state["owner"], state["group"] = p.owner.user, p.owner.group
	}
	p.SetCurrent(state)
	return nil
}

func (p *directoryProvider) Action(ctx context.Context, action engine.Action) error {
	switch action {
	case ActionCreate:
		mode, modeSet, err := modeProperty(p.res, "mode")
		if err != nil {
			return err
		}
		switch {
		case !p.info.Exists:
			if !modeSet {
				mode = defaultDirMode
			}
			p.ConvergeBy("create new directory "+p.path, func(ctx context.Context) error {
				if err := p.t.MkdirAll(ctx, p.path, mode); err != nil {
					return transports.EngineError(err, p.res, "mkdir")
				}
				// MkdirAll is subject to the umask.
				return transports.EngineError(p.t.Chmod(ctx, p.path, mode), p.res, "chmod")
			})
		case modeSet && p.info.Mode.Perm() != mode.Perm():
			p.ConvergeBy(fmt.Sprintf("change mode of %s from %s to %s", p.path, formatMode(p.info.Mode), formatMode(mode)),
				func(ctx context.Context) error {
					return transports.EngineError(p.t.Chmod(ctx, p.path, mode), p.res, "chmod")
				})
		}
		convergeOwnership(&p.ProviderBase, p.node, p.path, p.owner)
		return nil

	case ActionDelete:
		if !p.info.Exists {
			return nil
		}
		if path.Clean(p.path) == "/" {
			return invalid(p.res, "refusing to delete /")
		}
		if p.res.BoolProperty("recursive", false) {
			p.ConvergeBy("delete directory "+p.path+" and its contents", func(ctx context.Context) error {
				_, err := p.check(ctx, "rm -rf "+quote(p.path))
				return err
			})
			return nil
		}
		p.ConvergeBy("delete directory "+p.path, func(ctx context.Context) error {
			return transports.EngineError(p.t.Remove(ctx, p.path), p.res, "remove")
		})
		return nil

	case engine.ActionNothing:
		return nil
	default:
		return engine.UnsupportedActionError(p.res, action, "directory")
	}
}
