// Package corectx bundles the two pieces of shared, mostly-static state
// the sync core needs on every commit it touches: the schema registry
// (for upgrades) and the auth matcher (for access checks). It plays the
// role the teacher's internal/context.ContextManager plays for
// multi-tenancy, but here there is exactly one registry and one matcher
// per process rather than one per tenant namespace — this system has no
// tenant concept of its own (see DESIGN.md).
package corectx

import (
	"github.com/axonops/syncd/internal/auth"
	"github.com/axonops/syncd/internal/schema"
)

// Context bundles the schema registry and auth matcher the engine reads
// on every cycle. It carries no request-scoped state and is safe for
// concurrent use, since both members are independently synchronized.
type Context struct {
	Schemas *schema.Registry
	Auth    *auth.Matcher
}

// New constructs a Context with a fresh registry (builtins pre-loaded)
// and a fresh matcher (builtin /sys/** rules pre-loaded).
func New() *Context {
	return &Context{
		Schemas: schema.NewRegistry(),
		Auth:    auth.NewMatcher(),
	}
}

// defaultContext is the package-level instance most callers want: tests,
// demos, and single-process tools can use Default() instead of plumbing
// a *Context through every call site.
var defaultContext = New()

// Default returns the package-level Context.
func Default() *Context { return defaultContext }
