// Package core implements the feature resolution engine: definition
// bookkeeping, dependency traversal with cycle detection, scoped and
// group-based overrides, deterministic variant assignment, and the
// per-engine result cache that ties them together.
//
// The engine performs no I/O of its own; storage access goes through the
// narrow [StateStore], [ScopeStore], and [GroupStore] interfaces, which are
// implemented by the repository adapters and by [MemoryStore] for in-process
// use and tests.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// NilContextKey is the serialized identity of a nil context.
const NilContextKey = "__global"

// EveryoneKey is the reserved context key under which feature-wide
// (all-contexts) activations are stored.
const EveryoneKey = "*"

// ErrCannotSerialize is returned when a context value has no serialization
// strategy.
var ErrCannotSerialize = errors.New("cannot serialize context")

// Scope is a hierarchical set of scope dimensions, e.g. company/org/team.
type Scope map[string]string

// Context identifies the entity a feature is resolved against. It is an
// immutable value object constructed per call.
type Context struct {
	ID    any    `json:"id"`
	Kind  string `json:"kind"`
	Scope Scope  `json:"scope,omitempty"`
}

// Key returns the stable string identity of the context, "{kind}|{id}".
// A context without a kind falls back to the identity of its ID alone.
func (c Context) Key() (string, error) {
	id, err := Serialize(c.ID)
	if err != nil {
		return "", err
	}
	if c.Kind == "" {
		return id, nil
	}
	return c.Kind + "|" + id, nil
}

// Serialize produces a stable string identity for any supported context
// shape: nil maps to a fixed sentinel, scalars to their string form,
// [Context] values to "{kind}|{id}", and any other JSON-encodable value to a
// content hash. Values with no serialization strategy return
// [ErrCannotSerialize].
func Serialize(v any) (string, error) {
	switch ctx := v.(type) {
	case nil:
		return NilContextKey, nil
	case Context:
		return ctx.Key()
	case *Context:
		if ctx == nil {
			return NilContextKey, nil
		}
		return ctx.Key()
	case string:
		return ctx, nil
	case bool:
		return strconv.FormatBool(ctx), nil
	case int:
		return strconv.Itoa(ctx), nil
	case int8:
		return strconv.FormatInt(int64(ctx), 10), nil
	case int16:
		return strconv.FormatInt(int64(ctx), 10), nil
	case int32:
		return strconv.FormatInt(int64(ctx), 10), nil
	case int64:
		return strconv.FormatInt(ctx, 10), nil
	case uint:
		return strconv.FormatUint(uint64(ctx), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(ctx), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(ctx), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(ctx), 10), nil
	case uint64:
		return strconv.FormatUint(ctx, 10), nil
	case float32:
		return strconv.FormatFloat(float64(ctx), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(ctx, 'g', -1, 64), nil
	case fmt.Stringer:
		return ctx.String(), nil
	default:
		return contentHash(v)
	}
}

// contentHash derives an identity for structured values with no natural one.
// json.Marshal sorts map keys, so equal values hash equally.
func contentHash(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCannotSerialize, err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// asContext extracts a [Context] from a raw context value, if it is one.
func asContext(v any) (Context, bool) {
	switch ctx := v.(type) {
	case Context:
		return ctx, true
	case *Context:
		if ctx == nil {
			return Context{}, false
		}
		return *ctx, true
	default:
		return Context{}, false
	}
}
