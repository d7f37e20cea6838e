package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gsunapoleonchen/kong/internal/domain"
	"github.com/gsunapoleonchen/kong/internal/infra/msgrpc"
)

// noInstancePrefix is the sentinel the plugin server answers with when it no
// longer knows an instance id, e.g. after restarting behind the socket.
const noInstancePrefix = "No plugin instance"

// handleEvent drives one phase call as a nested RPC conversation: a
// HandleEvent request, then zero or more PDK callbacks each answered with a
// Step (or StepError) continuation, until the server returns "ret". The
// EventId of the first response threads the whole conversation; PDK
// invocations and RPC calls strictly interleave.
func (h *Host) handleEvent(ctx context.Context, client domain.Caller, instanceID, phase string) error {
	result, err := client.Call(ctx, "plugin.HandleEvent", map[string]any{
		"InstanceId": instanceID,
		"EventName":  phase,
	})
	if err != nil {
		return classifyRPCError(err)
	}

	var eventID any
	for {
		response, ok := result.(map[string]any)
		if !ok {
			return fmt.Errorf("unexpected event response %T", result)
		}
		if id, ok := response["EventId"]; ok {
			eventID = id
		}

		data := response["Data"]
		if s, ok := data.(string); ok && s == "ret" {
			return nil
		}

		step, ok := data.(map[string]any)
		if !ok {
			return fmt.Errorf("unexpected event data %T", data)
		}
		method, _ := step["Method"].(string)
		args := stepArgs(step["Args"])

		out, pdkErr := h.pdk.Call(ctx, method, args)

		// A PDK failure is not fatal to the conversation: it is encoded
		// into a StepError continuation and the plugin decides.
		var continuation string
		var payload any
		if pdkErr != nil {
			continuation = "plugin.StepError"
			payload = pdkErr.Error()
		} else {
			continuation = "plugin.Step"
			payload = out
		}

		result, err = client.Call(ctx, continuation, map[string]any{
			"EventId": eventID,
			"Data":    payload,
		})
		if err != nil {
			return classifyRPCError(err)
		}
	}
}

func stepArgs(v any) []any {
	switch args := v.(type) {
	case nil:
		return nil
	case []any:
		return args
	default:
		return []any{args}
	}
}

// classifyRPCError maps the remote "No plugin instance" sentinel onto
// ErrInstanceGone so the phase adapter can evict and retry. Everything else
// passes through.
func classifyRPCError(err error) error {
	var remote *msgrpc.RemoteError
	if errors.As(err, &remote) {
		if s, ok := remote.Payload.(string); ok && strings.HasPrefix(s, noInstancePrefix) {
			return fmt.Errorf("%w: %s", domain.ErrInstanceGone, s)
		}
	}
	return err
}
