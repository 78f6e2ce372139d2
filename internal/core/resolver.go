package core

// Feature is implemented by types that resolve their own value for a
// context. It replaces runtime inspection of callables with an explicit
// single-method contract.
type Feature interface {
	Resolve(ctx Context) any
}

// Resolver produces a feature value for a context. The three
// implementations cover the supported resolver shapes: a static value, a
// function of the context, and a function of the context plus the engine's
// global context.
type Resolver interface {
	Resolve(ctx Context, global any) any
}

// StaticResolver resolves every context to a fixed value.
type StaticResolver struct {
	Value any
}

func (r StaticResolver) Resolve(Context, any) any { return r.Value }

// Static returns a resolver that always yields value.
func Static(value any) Resolver { return StaticResolver{Value: value} }

// FuncResolver resolves a feature from the evaluation context alone.
type FuncResolver func(ctx Context) any

func (r FuncResolver) Resolve(ctx Context, _ any) any { return r(ctx) }

// GlobalFuncResolver resolves a feature from the evaluation context and the
// engine's global context.
type GlobalFuncResolver func(ctx Context, global any) any

func (r GlobalFuncResolver) Resolve(ctx Context, global any) any { return r(ctx, global) }

// FromFeature adapts a [Feature] implementation into a [Resolver].
func FromFeature(f Feature) Resolver {
	return FuncResolver(f.Resolve)
}
