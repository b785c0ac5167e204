package secret

import "context"

type actorKey struct{}

// Actor identifies who is acting, in which scope, and under which
// correlation id.
type Actor struct {
	UserID         string
	CorrelationID  string
	IsAccountAdmin bool
	Scope          ScopeContext
}

// SystemActor performs background work such as transitions and renewals.
var SystemActor = Actor{UserID: "system", IsAccountAdmin: true}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored in ctx, or SystemActor when there is
// no caller.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok && a.UserID != "" {
		return a
	}
	return SystemActor
}

type runtimeParamsKey struct{}

// WithRuntimeParameters returns a context carrying the values of templatized
// secret manager fields. Values already in ctx are kept unless params
// overrides them.
func WithRuntimeParameters(ctx context.Context, params map[string]string) context.Context {
	if len(params) == 0 {
		return ctx
	}
	merged := RuntimeParametersFrom(ctx)
	if merged == nil {
		merged = make(map[string]string, len(params))
	}
	for k, v := range params {
		merged[k] = v
	}
	return context.WithValue(ctx, runtimeParamsKey{}, merged)
}

// RuntimeParametersFrom returns a copy of the runtime parameters in ctx.
func RuntimeParametersFrom(ctx context.Context) map[string]string {
	params, _ := ctx.Value(runtimeParamsKey{}).(map[string]string)
	return cloneMap(params)
}
