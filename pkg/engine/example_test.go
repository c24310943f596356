package engine_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
)

// echoClass converges every action by printing it.
type echoClass struct{ name string }

func (c echoClass) Name() string                { return c.name }
func (c echoClass) CanProvide(kind string) bool { return true }
func (c echoClass) New(res *engine.Resource, rc *engine.RunContext) engine.Provider {
	return &echoProvider{ProviderBase: engine.NewProviderBase(res, rc)}
}

type echoProvider struct {
	engine.ProviderBase
}

func (p *echoProvider) Action(_ context.Context, action engine.Action) error {
	p.ConvergeBy(fmt.Sprintf("%s %s", action, p.Resource), func(context.Context) error {
		fmt.Printf("%s %s\n", action, p.Resource)
		return nil
	})
	return nil
}

// Example_converge shows the base pass followed by a delayed notification.
func Example_converge() {
	priorities := engine.NewPriorityMap()
	for _, t := range []string{"template", "service"} {
		_ = priorities.Register(engine.PriorityEntry{ResourceType: t, Class: echoClass{name: "echo_" + t}})
	}
	priorities.Lock()

	collection := engine.NewResourceCollection()
	conf := engine.NewResource("template", "/etc/nginx/nginx.conf")
	conf.DefaultAction = "create"
	svc := engine.NewResource("service", "nginx")
	svc.DefaultAction = "start"
	_ = collection.Insert(conf)
	_ = collection.Insert(svc)
	_ = collection.AddNotification(conf.ID(), "reload", svc.ID(), engine.TimingDelayed)

	node := engine.NewNode("web01")
	node.Set(engine.PrecedenceAutomatic, engine.AttrPlatform, "ubuntu")

	rc := engine.NewRunContext(node, collection, priorities)
	status, _ := engine.NewRunner(rc, engine.RunnerOptions{}).Converge(context.Background())
	fmt.Println(status)

	// Output:
	// create template[/etc/nginx/nginx.conf]
	// start service[nginx]
	// reload service[nginx]
	// success (2 updated)
}

// ExampleResourceCollection_Lookup shows single and multi-name lookups.
func ExampleResourceCollection_Lookup() {
	c := engine.NewResourceCollection()
	_ = c.Insert(engine.NewResource("package", "curl"))
	_ = c.Insert(engine.NewResource("package", "git"))

	one, _ := c.Lookup("package[git]")
	many, _ := c.Lookup("package[git, curl]")
	fmt.Println(one.One(), len(many.Resources), many.Resources[1])

	// Output:
	// package[git] 2 package[curl]
}
