package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// File actions.
const (
	ActionCreate          engine.Action = "create"
	ActionCreateIfMissing engine.Action = "create_if_missing"
	ActionDelete          engine.Action = "delete"
	ActionTouch           engine.Action = "touch"
)

const defaultFileMode fs.FileMode = 0o644

// FileClass manages regular files. Properties:
//
//	path     target path, defaults to the resource name
//	content  desired content; unset leaves existing content alone
//	mode     permission bits, e.g. "0640"
//	owner, group
var FileClass engine.ProviderClass = &class{
	name:    "file",
	types:   []string{"file", "template"},
	actions: []engine.Action{ActionCreate, ActionCreateIfMissing, ActionDelete, ActionTouch},
	newFn: func(b engine.ProviderBase, t transports.Transport) engine.Provider {
		return &fileProvider{ProviderBase: b, node: node{t: t, res: b.Resource}}
	},
}

type fileProvider struct {
	engine.ProviderBase
	node

	path    string
	info    *transports.FileInfo
	content []byte
	owner   ownership
}

func (p *fileProvider) LoadCurrentResource(ctx context.Context) error {
	p.path = p.res.StringProperty("path", p.res.Name)

	info, err := p.t.Stat(ctx, p.path)
	if err != nil {
		return transports.EngineError(err, p.res, "stat")
	}
	if info.Exists && info.IsDir {
		return invalid(p.res, "%s is a directory", p.path)
	}
	p.info = info

	state := map[string]any{"path": p.path, "exists": info.Exists}
	if info.Exists {
		state["mode"] = formatMode(info.Mode)
		if _, declared := p.res.Properties["content"]; declared {
			p.content, err = p.t.ReadFile(ctx, p.path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return transports.EngineError(err, p.res, "read")
			}
			state["size"] = len(p.content)
		}
		if p.owner, err = loadOwnership(ctx, p.node, p.path); err != nil {
			return err
		}
		state["owner"], state["group"] = p.owner.user, p.owner.group
	}
	p.SetCurrent(state)
	return nil
}

func (p *fileProvider) Action(ctx context.Context, action engine.Action) error {
	switch action {
	case ActionCreate:
		return p.create()
	case ActionCreateIfMissing:
		if p.info.Exists {
			return nil
		}
		return p.create()
	case ActionTouch:
		if err := p.create(); err != nil {
			return err
		}
		p.ConvergeBy("update utime on file "+p.path, func(ctx context.Context) error {
			_, err := p.check(ctx, "touch "+quote(p.path))
			return err
		})
		return nil
	case ActionDelete:
		if p.info.Exists {
			p.ConvergeBy("delete file "+p.path, func(ctx context.Context) error {
				return transports.EngineError(p.t.Remove(ctx, p.path), p.res, "remove")
			})
		}
		return nil
	case engine.ActionNothing:
		return nil
	default:
		return engine.UnsupportedActionError(p.res, action, "file")
	}
}

func (p *fileProvider) create() error {
	mode, modeSet, err := modeProperty(p.res, "mode")
	if err != nil {
		return err
	}
	want, contentSet := p.desiredContent()

	switch {
	case !p.info.Exists:
		if !modeSet {
			mode = defaultFileMode
		}
		p.ConvergeBy(fmt.Sprintf("create new file %s", p.path), func(ctx context.Context) error {
			return transports.EngineError(p.t.WriteFile(ctx, p.path, want, mode), p.res, "write")
		})
	case contentSet && !bytes.Equal(p.content, want):
		if !modeSet {
			mode = p.info.Mode
		}
		p.ConvergeBy(fmt.Sprintf("update content of file %s (%d bytes to %d bytes)", p.path, len(p.content), len(want)),
			func(ctx context.Context) error {
				return transports.EngineError(p.t.WriteFile(ctx, p.path, want, mode), p.res, "write")
			})
	case modeSet && p.info.Mode.Perm() != mode.Perm():
		p.ConvergeBy(fmt.Sprintf("change mode of %s from %s to %s", p.path, formatMode(p.info.Mode), formatMode(mode)),
			func(ctx context.Context) error {
				return transports.EngineError(p.t.Chmod(ctx, p.path, mode), p.res, "chmod")
			})
	}

	convergeOwnership(&p.ProviderBase, p.node, p.path, p.owner)
	return nil
}

func (p *fileProvider) desiredContent() ([]byte, bool) {
	v, ok := p.res.Properties["content"]
	if !ok {
		return nil, false
	}
	switch c := v.(type) {
	case string:
		return []byte(c), true
	case []byte:
		return c, true
	default:
		return []byte(fmt.Sprint(c)), true
	}
}

// ownership is the owner and group names of a path.
type ownership struct {
	user  string
	group string
}

func loadOwnership(ctx context.Context, n node, path string) (ownership, error) {
	if n.res.StringProperty("owner", "") == "" && n.res.StringProperty("group", "") == "" {
		return ownership{}, nil
	}
	q := quote(path)
	res, err := n.run(ctx, fmt.Sprintf("stat -c '%%U %%G' %s 2>/dev/null || stat -f '%%Su %%Sg' %s", q, q))
	if err != nil {
		return ownership{}, err
	}
	fields := strings.Fields(res.Stdout)
	if !res.Success() || len(fields) != 2 {
		return ownership{}, nil
	}
	return ownership{user: fields[0], group: fields[1]}, nil
}

// chownAction returns a chown step when the declared owner or group differs
// from the loaded one.
func (n node) chownAction(path string, current ownership) (string, func(context.Context) error, bool) {
	owner := n.res.StringProperty("owner", "")
	group := n.res.StringProperty("group", "")
	if (owner == "" || owner == current.user) && (group == "" || group == current.group) {
		return "", nil, false
	}
	spec := owner
	if group != "" {
		spec += ":" + group
	}
	return fmt.Sprintf("change owner of %s to %s", path, spec), func(ctx context.Context) error {
		_, err := n.check(ctx, "chown "+quote(spec)+" "+quote(path))
		return err
	}, true
}

func convergeOwnership(b *engine.ProviderBase, n node, path string, current ownership) {
	if desc, fn, ok := n.chownAction(path, current); ok {
		b.ConvergeBy(desc, fn)
	}
}
