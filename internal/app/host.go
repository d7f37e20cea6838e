// Package app is the external plugin host: it discovers the plugins
// advertised by configured plugin servers, supervises the server processes,
// routes phase callbacks from the gateway to remote plugin instances, and
// services the PDK calls a plugin makes back into the gateway while it
// handles an event.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gsunapoleonchen/kong/internal/domain"
	"github.com/gsunapoleonchen/kong/internal/infra/info"
	"github.com/gsunapoleonchen/kong/internal/infra/msgrpc"
	"github.com/gsunapoleonchen/kong/internal/infra/supervisor"
)

// Host wires the plugin descriptor table, the instance registry, and the
// per-server runtime state together behind the surface the gateway consumes.
type Host struct {
	logger   *zap.Logger
	metrics  domain.Metrics
	pdk      domain.PDK
	deferrer domain.Deferrer
	reqState domain.RequestState
	worker   domain.Worker

	dialTimeout time.Duration

	servers  []*serverRuntime
	registry *instanceRegistry

	// The descriptor table is written during LoadAllInfos and read-only
	// afterwards; the mutex covers the build phase.
	descMu      sync.Mutex
	descriptors map[string]*domain.PluginDescriptor
}

// serverRuntime pairs a definition with its live transport. The supervisor
// publishes a fresh client after every (re)spawn.
type serverRuntime struct {
	def domain.ServerDef

	mu     sync.RWMutex
	client domain.Caller
}

func (r *serverRuntime) setClient(c domain.Caller) {
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
}

func (r *serverRuntime) clearClient(c domain.Caller) {
	r.mu.Lock()
	if r.client == c {
		r.client = nil
	}
	r.mu.Unlock()
}

func (r *serverRuntime) currentClient() (domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerUnavailable, r.def.Name)
	}
	return r.client, nil
}

type HostConfig struct {
	Servers  []domain.ServerDef
	Logger   *zap.Logger
	Metrics  domain.Metrics
	PDK      domain.PDK
	Deferrer domain.Deferrer
	ReqState domain.RequestState
	Worker   domain.Worker

	// DialTimeout bounds how long a supervisor waits for a spawned server
	// to create its socket.
	DialTimeout time.Duration
}

func NewHost(cfg HostConfig) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	pdk := cfg.PDK
	if pdk == nil {
		pdk = unavailablePDK{}
	}
	deferrer := cfg.Deferrer
	if deferrer == nil {
		deferrer = inlineDeferrer{}
	}

	h := &Host{
		logger:      logger.Named("externalplugins"),
		metrics:     metrics,
		pdk:         pdk,
		deferrer:    deferrer,
		reqState:    cfg.ReqState,
		worker:      cfg.Worker,
		dialTimeout: cfg.DialTimeout,
		descriptors: make(map[string]*domain.PluginDescriptor),
	}
	h.registry = newInstanceRegistry(h.logger, metrics)
	for _, def := range cfg.Servers {
		h.servers = append(h.servers, &serverRuntime{def: def})
	}
	return h
}

// LoadAllInfos runs every server's info command and registers the advertised
// plugins. A server whose info command fails contributes no plugins; the
// rest are unaffected. The descriptor table is built exactly once.
func (h *Host) LoadAllInfos(ctx context.Context) {
	loader := info.NewLoader(h.logger)
	for _, rt := range h.servers {
		if rt.def.InfoCmd == "" {
			h.logger.Info("plugin server defines no info command",
				zap.String("server", rt.def.Name))
			continue
		}
		descriptors, err := loader.Load(ctx, rt.def)
		if err != nil {
			h.logger.Error("cannot load plugin info", zap.Error(err),
				zap.String("server", rt.def.Name))
			continue
		}
		for _, desc := range descriptors {
			if err := h.RegisterPluginInfo(desc); err != nil {
				h.logger.Error("cannot register plugin", zap.Error(err),
					zap.String("server", rt.def.Name),
					zap.String("plugin", desc.Name))
			}
		}
	}
}

// RegisterPluginInfo adds one advertised plugin to the descriptor table.
// Plugin names are globally unique across servers; re-registering the same
// plugin and version from the same server is a no-op, any other registration
// of a taken name (a different server or version) loses to the first.
func (h *Host) RegisterPluginInfo(desc domain.PluginDescriptor) error {
	h.descMu.Lock()
	defer h.descMu.Unlock()

	if existing, ok := h.descriptors[desc.Name]; ok {
		if existing.Server.Name == desc.Server.Name && existing.Version == desc.Version {
			return nil
		}
		return fmt.Errorf("%w: %q advertised by both %q and %q",
			domain.ErrDuplicatePlugin, desc.Name, existing.Server.Name, desc.Server.Name)
	}

	d := desc
	h.descriptors[desc.Name] = &d
	h.logger.Info("registered external plugin",
		zap.String("plugin", desc.Name),
		zap.String("version", desc.Version),
		zap.String("server", desc.Server.Name),
		zap.Strings("phases", desc.Phases))
	return nil
}

// LoadSchema returns the schema a plugin advertised, for the gateway's
// configuration validator.
func (h *Host) LoadSchema(pluginName string) (any, bool) {
	desc, ok := h.descriptor(pluginName)
	if !ok {
		return nil, false
	}
	return desc.Schema, true
}

// PluginNames lists every registered plugin.
func (h *Host) PluginNames() []string {
	h.descMu.Lock()
	defer h.descMu.Unlock()
	names := make([]string, 0, len(h.descriptors))
	for name := range h.descriptors {
		names = append(names, name)
	}
	return names
}

func (h *Host) descriptor(pluginName string) (*domain.PluginDescriptor, bool) {
	h.descMu.Lock()
	defer h.descMu.Unlock()
	desc, ok := h.descriptors[pluginName]
	return desc, ok
}

// ManageServers supervises every configured server until ctx is done. The
// gateway calls it once, on the supervisor worker; on any other worker the
// host attaches to the sockets as a pure client and spawns nothing.
func (h *Host) ManageServers(ctx context.Context) error {
	spawning := h.worker.IsSupervisor()
	if !spawning {
		h.logger.Info("not the supervisor worker, attaching as client only",
			zap.Int("worker", h.worker.ID))
	}

	var g errgroup.Group
	for _, rt := range h.servers {
		def := rt.def
		if !spawning {
			def.Exec = ""
		}
		sup := supervisor.New(supervisor.Options{
			Def:         def,
			Logger:      h.logger,
			Metrics:     h.metrics,
			DialTimeout: h.dialTimeout,
			OnAttach: func(c *msgrpc.Client) {
				c.OnNotification("serverPid", h.onServerPid)
				rt.setClient(c)
			},
			OnDetach: func(c *msgrpc.Client) {
				rt.clearClient(c)
				h.registry.DropClient(c)
			},
		})
		g.Go(func() error {
			// A server whose supervision dies, e.g. on a spawn failure,
			// must not take the other servers down with it.
			if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("plugin server supervision ended",
					zap.String("server", def.Name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// onServerPid feeds the serverPid notification into the registry, turning an
// opaque server restart into a cache-wide invalidation for that client.
func (h *Host) onServerPid(c *msgrpc.Client, params []any) {
	if len(params) == 0 {
		h.logger.Warn("serverPid notification without a pid")
		return
	}
	h.registry.OnServerPid(c, domain.AsInt64(params[0]))
}

// Close drops all cached instances. Transports are owned by the supervisor
// loops and die with ManageServers' context.
func (h *Host) Close() {
	h.registry.Clear()
}

// unavailablePDK backs hosts built without a gateway, such as the standalone
// daemon: supervision and discovery work, phase dispatch does not.
type unavailablePDK struct{}

func (unavailablePDK) Call(context.Context, string, []any) (any, error) {
	return nil, fmt.Errorf("no PDK dispatcher configured")
}

// inlineDeferrer runs deferred work immediately on the calling goroutine.
type inlineDeferrer struct{}

func (inlineDeferrer) RunAfter(_ time.Duration, fn func(context.Context)) {
	fn(context.Background())
}
