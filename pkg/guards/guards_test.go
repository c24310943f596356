package guards

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

func guardContext(t *testing.T, rec *transports.Recorder) engine.GuardContext {
	t.Helper()
	node := engine.NewNode("web01")
	node.Merge(engine.PrecedenceAutomatic, map[string]any{
		engine.AttrPlatform:        "ubuntu",
		engine.AttrPlatformVersion: "22.04",
		"memory":                   map[string]any{"total_mb": int64(2048)},
		"roles":                    []string{"web", "cache"},
	})
	rc := engine.NewRunContext(node, engine.NewResourceCollection(), engine.NewPriorityMap())
	if rec != nil {
		transports.WithRunContext(rc, rec)
	}

	res := engine.NewResource("package", "nginx")
	res.Properties["version"] = "1.24"
	return engine.GuardContext{Resource: res, Action: "install", Node: node, RunContext: rc}
}

func TestShell_ExitStatus(t *testing.T) {
	rec := (&transports.Recorder{}).
		Respond(`^test -f /etc/nginx/nginx.conf$`, transports.Result{ExitCode: 0}).
		Respond(`^which apache2$`, transports.Result{ExitCode: 1})
	gctx := guardContext(t, rec)
	shell := NewShell(0, zerolog.Nop())

	ok, err := shell.Evaluate(context.Background(), "test -f /etc/nginx/nginx.conf", gctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = shell.Evaluate(context.Background(), "which apache2", gctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"test -f /etc/nginx/nginx.conf", "which apache2"}, rec.Commands())
}

func TestShell_TransportFailureIsAnError(t *testing.T) {
	rec := (&transports.Recorder{}).Fail(`.*`, &transports.Error{Op: "exec", Err: assert.AnError})
	_, err := NewShell(0, zerolog.Nop()).Evaluate(context.Background(), "true", guardContext(t, rec))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestShell_Local(t *testing.T) {
	gctx := guardContext(t, nil)
	shell := NewShell(5*time.Second, zerolog.Nop())

	ok, err := shell.Evaluate(context.Background(), `test "$CONVERGE_RESOURCE_NAME" = nginx`, gctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = shell.Evaluate(context.Background(), "", gctx)
	assert.Error(t, err)
}

func TestStarlark_Expressions(t *testing.T) {
	rec := (&transports.Recorder{}).Respond(`^systemctl is-active nginx$`, transports.Result{ExitCode: 3})
	rec.PutFile("/etc/nginx/nginx.conf", []byte("events {}"), 0o644)
	gctx := guardContext(t, rec)
	interp := NewStarlark(time.Second)

	tests := []struct {
		expr string
		want bool
	}{
		{`platform == "ubuntu"`, true},
		{`node["platform_version"] >= "20.04"`, true},
		{`node["memory"]["total_mb"] > 4096`, false},
		{`"web" in node["roles"]`, true},
		{`resource.properties["version"] == "1.24"`, true},
		{`resource.action == "install" and resource.type == "package"`, true},
		{`file_exists("/etc/nginx/nginx.conf")`, true},
		{`file_exists("/etc/apache2/apache2.conf")`, false},
		{`run("systemctl is-active nginx")`, false},
		{`[]`, false},
		{`len([x for x in range(3)])`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := interp.Evaluate(context.Background(), tt.expr, gctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStarlark_Errors(t *testing.T) {
	gctx := guardContext(t, &transports.Recorder{})
	interp := NewStarlark(time.Second)

	_, err := interp.Evaluate(context.Background(), `undefined_name`, gctx)
	assert.ErrorContains(t, err, "starlark guard failed")

	_, err = interp.Evaluate(context.Background(), `1 +`, gctx)
	assert.Error(t, err)
}

func TestStarlark_StepLimit(t *testing.T) {
	interp := NewStarlark(5 * time.Second)
	interp.maxSteps = 1000

	_, err := interp.Evaluate(context.Background(), `len([x for x in range(1000000)])`, guardContext(t, &transports.Recorder{}))
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	in := map[string]any{
		"b": true,
		"i": 42,
		"f": 1.5,
		"s": "x",
		"l": []any{"a", int64(1)},
		"m": map[string]string{"k": "v"},
		"n": nil,
	}
	sv, err := ToStarlark(in)
	require.NoError(t, err)

	out, err := FromStarlark(sv)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"b": true,
		"i": int64(42),
		"f": 1.5,
		"s": "x",
		"l": []any{"a", int64(1)},
		"m": map[string]any{"k": "v"},
		"n": nil,
	}, out)

	_, err = ToStarlark(struct{}{})
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	rego := engine.GuardInterpreterFunc(func(context.Context, string, engine.GuardContext) (bool, error) {
		return true, nil
	})
	reg := NewRegistry(Options{Rego: rego, Logger: zerolog.Nop()})
	assert.Equal(t, []string{Rego, Shell, Starlark}, reg.Names())

	def, err := reg.Lookup("")
	require.NoError(t, err)
	assert.IsType(t, &ShellInterpreter{}, def)

	reg = NewRegistry(Options{Default: Starlark})
	def, err = reg.Lookup(engine.DefaultGuardInterpreter)
	require.NoError(t, err)
	assert.IsType(t, &StarlarkInterpreter{}, def)

	_, err = reg.Lookup(Rego)
	assert.Error(t, err)
}
