package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

// PhaseFunc is one phase entrypoint of a loaded plugin. The gateway invokes
// it with the plugin's configuration value, carrying the gateway's
// bookkeeping fields.
type PhaseFunc func(ctx context.Context, conf map[string]any) error

// Plugin is the object the gateway's phase dispatcher drives: one callable
// per phase named in the plugin's descriptor.
type Plugin struct {
	Name     string
	Priority int
	Version  string

	phases map[string]PhaseFunc
}

// Phase returns the entrypoint for a phase, or false if the plugin does not
// advertise it.
func (p *Plugin) Phase(name string) (PhaseFunc, bool) {
	fn, ok := p.phases[name]
	return fn, ok
}

// Phases lists the phase names the plugin exposes.
func (p *Plugin) Phases() []string {
	names := make([]string, 0, len(p.phases))
	for name := range p.phases {
		names = append(names, name)
	}
	return names
}

// LoadPlugin builds the phase-callable object for a registered plugin.
func (h *Host) LoadPlugin(pluginName string) (*Plugin, error) {
	desc, ok := h.descriptor(pluginName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPluginNotFound, pluginName)
	}

	p := &Plugin{
		Name:     desc.Name,
		Priority: desc.Priority,
		Version:  desc.Version,
		phases:   make(map[string]PhaseFunc, len(desc.Phases)),
	}
	for _, phase := range desc.Phases {
		if !domain.KnownPhase(phase) {
			h.logger.Warn("plugin advertises unknown phase",
				zap.String("plugin", desc.Name), zap.String("phase", phase))
			continue
		}
		if phase == domain.PhaseLog {
			p.phases[phase] = func(ctx context.Context, conf map[string]any) error {
				return h.runLogPhase(ctx, desc, conf)
			}
			continue
		}
		p.phases[phase] = func(ctx context.Context, conf map[string]any) error {
			return h.runPhase(ctx, desc, conf, phase)
		}
	}
	return p, nil
}

// runPhase executes one non-log phase inline: resolve the instance, drive
// the conversation, and recover once from a server that lost the instance.
func (h *Host) runPhase(ctx context.Context, desc *domain.PluginDescriptor,
	conf map[string]any, phase string) error {

	started := time.Now()
	err := h.dispatchOnce(ctx, desc, conf, phase)
	if errors.Is(err, domain.ErrInstanceGone) {
		h.registry.ResetInstance(desc.Name, conf)
		err = h.dispatchOnce(ctx, desc, conf, phase)
	}
	h.metrics.ObservePhase(desc.Name, phase, time.Since(started), err)
	return err
}

func (h *Host) dispatchOnce(ctx context.Context, desc *domain.PluginDescriptor,
	conf map[string]any, phase string) error {

	rt := h.runtimeFor(desc.Server.Name)
	if rt == nil {
		return fmt.Errorf("%w: %s", domain.ErrServerUnavailable, desc.Server.Name)
	}
	client, err := rt.currentClient()
	if err != nil {
		return err
	}
	id, instClient, err := h.registry.GetInstanceID(ctx, desc, conf, client)
	if err != nil {
		return err
	}
	return h.handleEvent(ctx, instClient, id, phase)
}

func (h *Host) runtimeFor(serverName string) *serverRuntime {
	for _, rt := range h.servers {
		if rt.def.Name == serverName {
			return rt
		}
	}
	return nil
}

// runLogPhase defers the conversation: the gateway must answer the client
// before the log pipeline completes, so the request state the plugin may
// still read is snapshotted now and carried into a deferred task. Errors
// there are logged and swallowed; the response is already on the wire.
func (h *Host) runLogPhase(ctx context.Context, desc *domain.PluginDescriptor,
	conf map[string]any) error {

	snapshot, err := h.snapshotRequest(ctx)
	if err != nil {
		h.logger.Error("cannot snapshot request state for log phase",
			zap.String("plugin", desc.Name), zap.Error(err))
		return nil
	}

	h.deferrer.RunAfter(0, func(taskCtx context.Context) {
		taskCtx = ContextWithLogSnapshot(taskCtx, snapshot)
		if err := h.runPhase(taskCtx, desc, conf, domain.PhaseLog); err != nil {
			h.logger.Error("log phase failed",
				zap.String("plugin", desc.Name), zap.Error(err))
		}
	})
	return nil
}

func (h *Host) snapshotRequest(ctx context.Context) (*domain.LogSnapshot, error) {
	if h.reqState == nil {
		return &domain.LogSnapshot{}, nil
	}
	serialized, err := h.reqState.SerializedLog(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.LogSnapshot{
		Serialized:     serialized,
		RequestContext: h.reqState.RequestContext(ctx),
		SharedContext:  h.reqState.SharedContext(ctx),
	}, nil
}
