package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cryguy/fetch/internal/core"
)

// RPCFunc is a callable that can cross an RPC boundary, either as a method
// of an RPCTarget or as a function argument passed by reference.
type RPCFunc func(ctx context.Context, args ...any) (any, error)

// RPCMethod is what a property lookup on a Fetcher yields.
type RPCMethod interface {
	Call(ctx context.Context, args ...any) (any, error)
}

// stubKey marks a function argument replaced by a stub reference.
const stubKey = "$rpc.stub"

type builtinMethod struct {
	name string
	fn   func(ctx context.Context, args []any) (any, error)
}

func (m *builtinMethod) Call(ctx context.Context, args ...any) (any, error) {
	return m.fn(ctx, args)
}

// RemoteMethod is a method name resolved against the remote worker. Every
// Call is one round trip.
type RemoteMethod struct {
	fetcher *Fetcher
	name    string
}

func (m *RemoteMethod) Name() string { return m.name }

// GetRPCMethod resolves name on f. Built-in operations win over remote
// methods; the get/put/delete wrappers only exist while the
// fetcher_no_get_put_delete flag is off.
func (f *Fetcher) GetRPCMethod(ctx context.Context, name string) (RPCMethod, bool) {
	switch name {
	case "", "then", "constructor":
		return nil, false
	}
	if m, ok := f.builtinMethod(ctx, name); ok {
		return m, true
	}
	return &RemoteMethod{fetcher: f, name: name}, true
}

func (f *Fetcher) builtinMethod(ctx context.Context, name string) (RPCMethod, bool) {
	serviceOps := true
	if state := core.StateFromContext(ctx); state != nil {
		serviceOps = serviceOpsEnabled(state)
	}
	var fn func(ctx context.Context, args []any) (any, error)
	switch name {
	case "fetch":
		fn = func(ctx context.Context, args []any) (any, error) {
			init, err := argAt[*RequestInit](args, 1)
			if err != nil {
				return nil, err
			}
			if len(args) == 0 {
				return nil, core.Invalidf("fetch requires at least 1 argument")
			}
			return f.Fetch(ctx, args[0], init)
		}
	case "connect":
		fn = func(ctx context.Context, args []any) (any, error) {
			addr, err := argAt[string](args, 0)
			if err != nil {
				return nil, err
			}
			opts, err := argAt[*SocketOptions](args, 1)
			if err != nil {
				return nil, err
			}
			return f.Connect(ctx, addr, opts)
		}
	case "queue":
		fn = func(ctx context.Context, args []any) (any, error) {
			queueName, err := argAt[string](args, 0)
			if err != nil {
				return nil, err
			}
			msgs, err := argAt[[]QueueMessage](args, 1)
			if err != nil {
				return nil, err
			}
			return f.Queue(ctx, queueName, msgs)
		}
	case "scheduled":
		fn = func(ctx context.Context, args []any) (any, error) {
			opts, err := argAt[*ScheduledOptions](args, 0)
			if err != nil {
				return nil, err
			}
			return f.Scheduled(ctx, opts)
		}
	case "get":
		if !serviceOps {
			return nil, false
		}
		fn = func(ctx context.Context, args []any) (any, error) {
			url, err := argAt[string](args, 0)
			if err != nil {
				return nil, err
			}
			typ, err := argAt[string](args, 1)
			if err != nil {
				return nil, err
			}
			return f.Get(ctx, url, typ)
		}
	case "put":
		if !serviceOps {
			return nil, false
		}
		fn = func(ctx context.Context, args []any) (any, error) {
			url, err := argAt[string](args, 0)
			if err != nil {
				return nil, err
			}
			opts, err := argAt[*PutOptions](args, 2)
			if err != nil {
				return nil, err
			}
			var body any
			if len(args) > 1 {
				body = args[1]
			}
			return nil, f.Put(ctx, url, body, opts)
		}
	case "delete":
		if !serviceOps {
			return nil, false
		}
		fn = func(ctx context.Context, args []any) (any, error) {
			url, err := argAt[string](args, 0)
			if err != nil {
				return nil, err
			}
			return f.Delete(ctx, url)
		}
	default:
		return nil, false
	}
	return &builtinMethod{name: name, fn: fn}, true
}

// argAt returns args[i] as T, or the zero T when the argument is missing
// or nil.
func argAt[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) || args[i] == nil {
		return zero, nil
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, core.Invalidf("argument %d: expected %T, got %T", i+1, zero, args[i])
	}
	return v, nil
}

// Call serializes args, sends them to the remote worker and decodes the
// result. Functions among the arguments become stubs the remote side can
// call back while the call is in flight.
func (m *RemoteMethod) Call(ctx context.Context, args ...any) (any, error) {
	state, err := requestState(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	stubs := &stubTable{}
	raw, err := encodeRPCArgs(args, stubs, state.Config.Flags.HostObjectFunctions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}

	if err := m.fetcher.countSubrequest(state); err != nil {
		return nil, err
	}
	client, err := m.fetcher.GetClient(ctx, nil, "jsRpcSession")
	if err != nil {
		return nil, err
	}
	res, err := client.CallRPC(ctx, &core.RPCCall{Method: m.name, Args: raw, Stubs: stubs})
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", m.name, err)
	}
	if res.Error != "" {
		return nil, &core.RemoteError{Method: m.name, Message: res.Error}
	}
	return decodeRPCValue(res.Value, nil)
}

func encodeRPCArgs(args []any, stubs *stubTable, allowFuncs bool) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	encoded := make([]any, len(args))
	for i, a := range args {
		v, err := encodeRPCValue(a, stubs, allowFuncs)
		if err != nil {
			return nil, err
		}
		encoded[i] = v
	}
	return marshalRPC(encoded)
}

func encodeRPCValue(v any, stubs *stubTable, allowFuncs bool) (any, error) {
	switch x := v.(type) {
	case RPCFunc:
		if !allowFuncs {
			return nil, fmt.Errorf("%w: functions cannot be passed without host object support", core.ErrDataClone)
		}
		return map[string]any{stubKey: stubs.add(x)}, nil
	case func(context.Context, ...any) (any, error):
		return encodeRPCValue(RPCFunc(x), stubs, allowFuncs)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ev, err := encodeRPCValue(e, stubs, allowFuncs)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ev, err := encodeRPCValue(e, stubs, allowFuncs)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

// marshalRPC maps values JSON cannot represent to ErrDataClone.
func marshalRPC(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		var ute *json.UnsupportedTypeError
		var uve *json.UnsupportedValueError
		if errors.As(err, &ute) || errors.As(err, &uve) {
			return nil, fmt.Errorf("%w: %v", core.ErrDataClone, err)
		}
		return nil, err
	}
	return data, nil
}

// stubTable holds the functions a caller passed by reference.
type stubTable struct {
	mu    sync.Mutex
	funcs []RPCFunc
}

func (t *stubTable) add(fn RPCFunc) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs = append(t.funcs, fn)
	return len(t.funcs) - 1
}

func (t *stubTable) InvokeStub(ctx context.Context, id int, args json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	if id < 0 || id >= len(t.funcs) {
		t.mu.Unlock()
		return nil, core.Invalidf("unknown stub %d", id)
	}
	fn := t.funcs[id]
	t.mu.Unlock()

	var decoded []any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrDataClone, err)
		}
	}
	out, err := fn(ctx, decoded...)
	if err != nil {
		return nil, err
	}
	return marshalRPC(out)
}

// DecodeRPCArgs decodes call's arguments for the receiving side. Stub
// references become RPCFuncs that call back into the caller.
func DecodeRPCArgs(call *core.RPCCall) ([]any, error) {
	if len(call.Args) == 0 {
		return nil, nil
	}
	v, err := decodeRPCValue(call.Args, call.Stubs)
	if err != nil {
		return nil, err
	}
	args, ok := v.([]any)
	if !ok {
		return nil, core.Invalidf("rpc arguments must be an array")
	}
	return args, nil
}

func decodeRPCValue(raw json.RawMessage, stubs core.StubInvoker) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDataClone, err)
	}
	return resolveStubs(v, stubs), nil
}

func resolveStubs(v any, stubs core.StubInvoker) any {
	switch x := v.(type) {
	case []any:
		for i, e := range x {
			x[i] = resolveStubs(e, stubs)
		}
		return x
	case map[string]any:
		if id, ok := x[stubKey].(float64); ok && len(x) == 1 {
			return stubFunc(stubs, int(id))
		}
		for k, e := range x {
			x[k] = resolveStubs(e, stubs)
		}
		return x
	default:
		return v
	}
}

func stubFunc(stubs core.StubInvoker, id int) RPCFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		if stubs == nil {
			return nil, fmt.Errorf("stub %d: %w", id, core.ErrNotSupported)
		}
		raw, err := marshalRPC(args)
		if err != nil {
			return nil, err
		}
		out, err := stubs.InvokeStub(ctx, id, raw)
		if err != nil {
			return nil, err
		}
		return decodeRPCValue(out, nil)
	}
}
