package runtime

import (
	"context"
)

// RegisterV8Tool adapts a tool already loaded into a V8Executor into the
// Registry's plain-Go Tool contract, so the driver can dispatch to either
// Go-native or V8-sandboxed tools through one Registry.Perform call.
// spec is the JSON schema the model sees for this tool; async matches the
// manifest's async declaration for it.
func RegisterV8Tool(reg *Registry, exec *V8Executor, name string, spec map[string]any, async bool) {
	reg.Register(&Tool{
		Name:  name,
		Spec:  spec,
		Async: async,
		Call: func(ctx context.Context, args map[string]any) (string, error) {
			return exec.Execute(ctx, name, args)
		},
	})
}
