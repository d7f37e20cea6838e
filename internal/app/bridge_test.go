package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/domain"
	"github.com/gsunapoleonchen/kong/internal/infra/msgrpc"
)

// fakePDK records dispatched callbacks and answers from a script.
type fakePDK struct {
	mu     sync.Mutex
	calls  []pdkCall
	answer func(ctx context.Context, method string, args []any) (any, error)
}

type pdkCall struct {
	method string
	args   []any
}

func (p *fakePDK) Call(ctx context.Context, method string, args []any) (any, error) {
	p.mu.Lock()
	p.calls = append(p.calls, pdkCall{method: method, args: args})
	answer := p.answer
	p.mu.Unlock()
	if answer == nil {
		return nil, fmt.Errorf("unscripted PDK call %s", method)
	}
	return answer(ctx, method, args)
}

func newTestHost(t *testing.T, fake *fakeCaller, pdk domain.PDK) *Host {
	t.Helper()
	def := domain.ServerDef{Name: "A", Socket: "/tmp/a.sock"}
	h := NewHost(HostConfig{
		Servers: []domain.ServerDef{def},
		Logger:  zap.NewNop(),
		PDK:     pdk,
	})
	h.servers[0].setClient(fake)
	require.NoError(t, h.RegisterPluginInfo(domain.PluginDescriptor{
		Name:   "p",
		Schema: map[string]any{},
		Phases: []string{domain.PhaseAccess, domain.PhaseLog},
		Server: def,
	}))
	return h
}

// scriptServer installs a plugin-server script: StartInstance hands out
// ids, HandleEvent and the continuations replay the given event responses.
func scriptServer(fake *fakeCaller, events func(method string, payload map[string]any) (any, error)) {
	var starts int
	var mu sync.Mutex
	fake.setHandler(func(method string, payload map[string]any) (any, error) {
		switch method {
		case "plugin.StartInstance":
			mu.Lock()
			starts++
			id := fmt.Sprintf("i-%d", starts)
			mu.Unlock()
			return map[string]any{"Id": id}, nil
		case "plugin.CloseInstance":
			return map[string]any{}, nil
		default:
			return events(method, payload)
		}
	})
}

func TestPhaseConversationWithPDKCallback(t *testing.T) {
	fake := &fakeCaller{}
	pdk := &fakePDK{answer: func(_ context.Context, method string, args []any) (any, error) {
		return "v", nil
	}}
	h := newTestHost(t, fake, pdk)

	scriptServer(fake, func(method string, payload map[string]any) (any, error) {
		switch method {
		case "plugin.HandleEvent":
			return map[string]any{
				"EventId": int64(42),
				"Data": map[string]any{
					"Method": "kong.request.get_header",
					"Args":   []any{"x"},
				},
			}, nil
		case "plugin.Step":
			return map[string]any{"EventId": int64(42), "Data": "ret"}, nil
		default:
			return nil, fmt.Errorf("unexpected %s", method)
		}
	})

	plugin, err := h.LoadPlugin("p")
	require.NoError(t, err)
	access, ok := plugin.Phase(domain.PhaseAccess)
	require.True(t, ok)

	require.NoError(t, access(context.Background(), confWith("k", 1)))

	require.Equal(t, []pdkCall{{method: "kong.request.get_header", args: []any{"x"}}}, pdk.calls)

	steps := fake.callsTo("plugin.Step")
	require.Len(t, steps, 1)
	require.Equal(t, int64(42), steps[0].payload["EventId"])
	require.Equal(t, "v", steps[0].payload["Data"])

	handles := fake.callsTo("plugin.HandleEvent")
	require.Len(t, handles, 1)
	require.Equal(t, "i-1", handles[0].payload["InstanceId"])
	require.Equal(t, domain.PhaseAccess, handles[0].payload["EventName"])
}

func TestPhaseConversationCountsAndConstantEventID(t *testing.T) {
	const pdkCalls = 3
	fake := &fakeCaller{}
	pdk := &fakePDK{answer: func(_ context.Context, _ string, _ []any) (any, error) {
		return float64(1), nil
	}}
	h := newTestHost(t, fake, pdk)

	served := 0
	scriptServer(fake, func(method string, payload map[string]any) (any, error) {
		if method != "plugin.HandleEvent" && method != "plugin.Step" {
			return nil, fmt.Errorf("unexpected %s", method)
		}
		if served == pdkCalls {
			return map[string]any{"EventId": int64(7), "Data": "ret"}, nil
		}
		served++
		return map[string]any{
			"EventId": int64(7),
			"Data":    map[string]any{"Method": "kong.ctx.shared.get", "Args": []any{"n"}},
		}, nil
	})

	plugin, err := h.LoadPlugin("p")
	require.NoError(t, err)
	access, _ := plugin.Phase(domain.PhaseAccess)
	require.NoError(t, access(context.Background(), confWith("k", 1)))

	// K PDK callbacks: one HandleEvent plus K continuations, every
	// continuation carrying the same EventId.
	require.Len(t, pdk.calls, pdkCalls)
	require.Len(t, fake.callsTo("plugin.HandleEvent"), 1)
	steps := fake.callsTo("plugin.Step")
	require.Len(t, steps, pdkCalls)
	for _, step := range steps {
		require.Equal(t, int64(7), step.payload["EventId"])
	}
}

func TestPDKErrorBecomesStepError(t *testing.T) {
	fake := &fakeCaller{}
	pdk := &fakePDK{answer: func(_ context.Context, _ string, _ []any) (any, error) {
		return nil, errors.New("header not allowed")
	}}
	h := newTestHost(t, fake, pdk)

	scriptServer(fake, func(method string, payload map[string]any) (any, error) {
		switch method {
		case "plugin.HandleEvent":
			return map[string]any{
				"EventId": int64(9),
				"Data":    map[string]any{"Method": "kong.response.set_header", "Args": []any{"h", "v"}},
			}, nil
		case "plugin.StepError":
			return map[string]any{"EventId": int64(9), "Data": "ret"}, nil
		default:
			return nil, fmt.Errorf("unexpected %s", method)
		}
	})

	plugin, err := h.LoadPlugin("p")
	require.NoError(t, err)
	access, _ := plugin.Phase(domain.PhaseAccess)
	require.NoError(t, access(context.Background(), confWith("k", 1)))

	require.Empty(t, fake.callsTo("plugin.Step"))
	stepErrors := fake.callsTo("plugin.StepError")
	require.Len(t, stepErrors, 1)
	require.Equal(t, "header not allowed", stepErrors[0].payload["Data"])
}

func TestNoInstanceEvictsAndRetriesOnce(t *testing.T) {
	fake := &fakeCaller{}
	h := newTestHost(t, fake, &fakePDK{})

	failures := 1
	scriptServer(fake, func(method string, payload map[string]any) (any, error) {
		require.Equal(t, "plugin.HandleEvent", method)
		if failures > 0 {
			failures--
			return nil, &msgrpc.RemoteError{Payload: "No plugin instance: 7"}
		}
		return map[string]any{"EventId": int64(1), "Data": "ret"}, nil
	})

	plugin, err := h.LoadPlugin("p")
	require.NoError(t, err)
	access, _ := plugin.Phase(domain.PhaseAccess)
	require.NoError(t, access(context.Background(), confWith("k", 1)))

	// The stale id was evicted and a fresh instance started for the retry.
	require.Len(t, fake.callsTo("plugin.StartInstance"), 2)
	handles := fake.callsTo("plugin.HandleEvent")
	require.Len(t, handles, 2)
	require.Equal(t, "i-1", handles[0].payload["InstanceId"])
	require.Equal(t, "i-2", handles[1].payload["InstanceId"])
}

func TestNoInstanceTwiceSurfaces(t *testing.T) {
	fake := &fakeCaller{}
	h := newTestHost(t, fake, &fakePDK{})

	scriptServer(fake, func(method string, payload map[string]any) (any, error) {
		return nil, &msgrpc.RemoteError{Payload: "No plugin instance: 7"}
	})

	plugin, err := h.LoadPlugin("p")
	require.NoError(t, err)
	access, _ := plugin.Phase(domain.PhaseAccess)
	err = access(context.Background(), confWith("k", 1))
	require.ErrorIs(t, err, domain.ErrInstanceGone)
}

func TestTransportErrorIsNotRetried(t *testing.T) {
	fake := &fakeCaller{}
	h := newTestHost(t, fake, &fakePDK{})

	scriptServer(fake, func(method string, payload map[string]any) (any, error) {
		return nil, domain.ErrTransportClosed
	})

	plugin, err := h.LoadPlugin("p")
	require.NoError(t, err)
	access, _ := plugin.Phase(domain.PhaseAccess)
	err = access(context.Background(), confWith("k", 1))
	require.ErrorIs(t, err, domain.ErrTransportClosed)
	require.Len(t, fake.callsTo("plugin.HandleEvent"), 1)
}
