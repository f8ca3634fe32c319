// Package builtin implements the core dfm.api.dfm.* adapters every site
// ships regardless of its domain providers: Constant, GreetMe, Execute,
// PushResponse, ReceiveMessage, SendMessage, Zip2, SignalClient,
// SignalAllDone, AwaitMessage, and ListTextureFiles. Each registers its
// constructor against internal/site's registry from an init() function,
// grounded on original_source's per-adapter modules under
// dfm/service/execute/compiler/adapters/.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/dfmerr"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/site"
)

// maxRescheduleCount bounds AwaitMessage's self-rescheduling, matching the
// source's hard-coded reschedule budget.
const maxRescheduleCount = 500

func init() {
	site.Register("dfm.api.dfm.Constant", newConstant)
	site.Register("dfm.api.dfm.GreetMe", newGreetMe)
	site.Register("dfm.api.dfm.Execute", newExecute)
	site.Register("dfm.api.dfm.PushResponse", newPushResponse)
	site.Register("dfm.api.dfm.ReceiveMessage", newReceiveMessage)
	site.Register("dfm.api.dfm.SendMessage", newSendMessage)
	site.Register("dfm.api.dfm.Zip2", newZip2)
	site.Register("dfm.api.dfm.SignalClient", newSignalClient)
	site.Register("dfm.api.dfm.SignalAllDone", newSignalAllDone)
	site.Register("dfm.api.dfm.AwaitMessage", newAwaitMessage)
	site.Register("dfm.api.dfm.ListTextureFiles", newListTextureFiles)
}

func newConstant(_ context.Context, _ *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, _ map[string]any) (adapter.Adapter, error) {
	c, ok := params.(*dfmapi.Constant)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: Constant got %T", params)
	}
	return adapter.NewBase(adapter.Nullary(func(ctx context.Context) (any, error) {
		return c.Value, nil
	})), nil
}

// greetMeConfig is the per-provider static config for GreetMe: the
// greeting word prefixed to the name.
type greetMeConfig struct {
	Greeting string `json:"greeting"`
}

func newGreetMe(_ context.Context, _ *request.Context, _ *site.Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, _ map[string]any) (adapter.Adapter, error) {
	g, ok := params.(*dfmapi.GreetMe)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: GreetMe got %T", params)
	}
	var cfg greetMeConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, dfmerr.WrapServerError(err, "builtin: GreetMe config")
		}
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "Hello"
	}
	return adapter.NewBase(adapter.Nullary(func(ctx context.Context) (any, error) {
		return fmt.Sprintf("%s %s", cfg.Greeting, g.Name), nil
	})), nil
}

// newExecute realizes the federation boundary marker as a nullary adapter
// that schedules its own body at the targeted site and yields nothing
// itself -- the sub-pipeline's own leaf adapters carry the real output.
func newExecute(_ context.Context, rc *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, _ map[string]any) (adapter.Adapter, error) {
	e, ok := params.(*dfmapi.Execute)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: Execute got %T", params)
	}
	return adapter.NewBase(adapter.NullaryVoid(func(ctx context.Context) error {
		target := rc.ThisSite
		if e.Site != nil {
			target = *e.Site
		}
		return rc.ScheduleBody(ctx, target, nil, e.Body, nil)
	})), nil
}

func newPushResponse(_ context.Context, rc *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, _ map[string]any) (adapter.Adapter, error) {
	p, ok := params.(*dfmapi.PushResponse)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: PushResponse got %T", params)
	}
	return adapter.NewBase(adapter.NullaryVoid(func(ctx context.Context) error {
		return rc.PushLocalResponse(ctx, p.Response)
	})), nil
}

func newReceiveMessage(_ context.Context, rc *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, _ map[string]any) (adapter.Adapter, error) {
	r, ok := params.(*dfmapi.ReceiveMessage)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: ReceiveMessage got %T", params)
	}
	return adapter.NewBase(adapter.NullaryVoid(func(ctx context.Context) error {
		return rc.SendMessage(ctx, r.TargetSite, r.Mailbox, r.Message)
	})), nil
}

func newSendMessage(_ context.Context, rc *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
	s, ok := params.(*dfmapi.SendMessage)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: SendMessage got %T", params)
	}
	// data is nil during discovery (CompileDiscovery wires no inputs);
	// degenerate to an adapter with an empty stream rather than erroring.
	data, _ := inputs["data"].(adapter.Adapter)
	if data == nil {
		return adapter.NewBase(adapter.NullaryVoid(func(ctx context.Context) error { return nil })), nil
	}
	return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
		stream, err := data.GetOrCreateStream(ctx)
		if err != nil {
			return err
		}
		return adapter.Unary(stream, func(ctx context.Context, item any) (any, bool, error) {
			if err := rc.SendMessage(ctx, s.TargetSite, s.Mailbox, fmt.Sprintf("%v", item)); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		})(ctx, emit)
	}), nil
}

func newZip2(_ context.Context, _ *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
	if _, ok := params.(*dfmapi.Zip2); !ok {
		return nil, dfmerr.NewServerError("builtin: Zip2 got %T", params)
	}
	// lhs/rhs are nil during discovery; degenerate to an empty stream
	// rather than erroring, matching the discovery nil-input contract.
	lhs, _ := inputs["lhs"].(adapter.Adapter)
	rhs, _ := inputs["rhs"].(adapter.Adapter)
	if lhs == nil || rhs == nil {
		return adapter.NewBase(adapter.NullaryVoid(func(ctx context.Context) error { return nil })), nil
	}
	return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
		lstream, err := lhs.GetOrCreateStream(ctx)
		if err != nil {
			return err
		}
		rstream, err := rhs.GetOrCreateStream(ctx)
		if err != nil {
			return err
		}
		return adapter.BinaryZip(lstream, rstream)(ctx, emit)
	}), nil
}

func newSignalClient(_ context.Context, rc *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
	s, ok := params.(*dfmapi.SignalClient)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: SignalClient got %T", params)
	}
	// after is nil during discovery; degenerate to a no-wait producer of
	// the signal payload rather than erroring.
	after, _ := inputs["after"].(adapter.Adapter)
	if after == nil {
		return adapter.NewBase(adapter.Nullary(func(ctx context.Context) (any, error) {
			return s.Message, nil
		})), nil
	}
	return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
		stream, err := after.GetOrCreateStream(ctx)
		if err != nil {
			return err
		}
		return adapter.NAryJoin([]*adapter.Stream{stream}, func(ctx context.Context) (any, error) {
			return s.Message, nil
		})(ctx, emit)
	}), nil
}

func newSignalAllDone(_ context.Context, _ *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
	s, ok := params.(*dfmapi.SignalAllDone)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: SignalAllDone got %T", params)
	}
	afterAdapters, _ := inputs["after"].([]adapter.Adapter)
	return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
		streams := make([]*adapter.Stream, 0, len(afterAdapters))
		for _, a := range afterAdapters {
			st, err := a.GetOrCreateStream(ctx)
			if err != nil {
				return err
			}
			streams = append(streams, st)
		}
		return adapter.NAryJoin(streams, func(ctx context.Context) (any, error) {
			return s.Message, nil
		})(ctx, emit)
	}), nil
}

// newAwaitMessage implements the only self-rescheduling primitive:
// checks the mailbox; if the message has arrived, splices a Constant
// carrying it over this node's own id into Body and schedules it
// immediately; otherwise, below the reschedule budget, clones itself with
// WaitCount+1 and reschedules after Sleeptime seconds; at the budget it
// gives up with a ServerError delivered through the request context.
func newAwaitMessage(_ context.Context, rc *request.Context, _ *site.Provider, _ json.RawMessage, params dfmapi.FunctionCall, _ map[string]any) (adapter.Adapter, error) {
	a, ok := params.(*dfmapi.AwaitMessage)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: AwaitMessage got %T", params)
	}
	return adapter.NewBase(adapter.NullaryVoid(func(ctx context.Context) error {
		msg, ok, err := rc.GetMessage(ctx, a.Mailbox)
		if err != nil {
			return err
		}
		if ok {
			body := make(dfmapi.Body, len(a.Body)+1)
			for id, fc := range a.Body {
				body[id] = fc
			}
			body[a.NodeID] = &dfmapi.Constant{
				NodeHeader: dfmapi.NodeHeader{NodeID: a.NodeID},
				Value:      msg,
			}
			return rc.ScheduleBody(ctx, rc.ThisSite, nil, body, nil)
		}

		if a.WaitCount >= maxRescheduleCount {
			return rc.SendError(ctx, a.NodeID, dfmerr.Kind(dfmerr.NewServerError("")), fmt.Sprintf("AwaitMessage on mailbox %q exceeded reschedule budget", a.Mailbox))
		}

		next := &dfmapi.AwaitMessage{
			NodeHeader: a.NodeHeader,
			Mailbox:    a.Mailbox,
			Body:       a.Body,
			WaitCount:  a.WaitCount + 1,
			Sleeptime:  a.Sleeptime,
		}
		deadline := time.Now().UTC().Add(time.Duration(a.Sleeptime * float64(time.Second)))
		return rc.ScheduleNode(ctx, rc.ThisSite, next, &deadline)
	})), nil
}
