package builtin

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// ActionWrite writes a log resource's message.
const ActionWrite engine.Action = "write"

// LogClass writes a message to the run log. It always converges, which
// makes it useful as a notification target. Properties: message, defaulting
// to the resource name, and level (debug, info, warn, error).
var LogClass engine.ProviderClass = &class{
	name:    "log",
	types:   []string{"log"},
	actions: []engine.Action{ActionWrite},
	newFn: func(b engine.ProviderBase, _ transports.Transport) engine.Provider {
		return &logProvider{ProviderBase: b}
	},
}

type logProvider struct {
	engine.ProviderBase
}

func (p *logProvider) Action(_ context.Context, action engine.Action) error {
	switch action {
	case ActionWrite:
	case engine.ActionNothing:
		return nil
	default:
		return engine.UnsupportedActionError(p.Resource, action, "log")
	}

	level, err := zerolog.ParseLevel(p.Resource.StringProperty("level", "info"))
	if err != nil || level == zerolog.NoLevel {
		return invalid(p.Resource, "invalid log level %q", p.Resource.StringProperty("level", ""))
	}
	msg := p.Resource.StringProperty("message", p.Resource.Name)

	p.ConvergeBy("write log at level "+level.String(), func(context.Context) error {
		logger := zerolog.Nop()
		if p.RunContext != nil {
			logger = p.RunContext.Logger
		}
		logger.WithLevel(level).Str("resource", p.Resource.String()).Msg(msg)
		return nil
	})
	return nil
}
