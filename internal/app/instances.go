package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

const closeInstanceTimeout = 5 * time.Second

// instanceRegistry caches one remote plugin instance per configuration
// identity. An entry with a non-nil done channel is a placeholder: a start
// is in flight and later arrivals wait on the channel instead of issuing
// their own StartInstance.
type instanceRegistry struct {
	logger  *zap.Logger
	metrics domain.Metrics

	mu      sync.Mutex
	entries map[string]*instanceEntry
	pids    map[domain.Caller]int64
}

type instanceEntry struct {
	key    string
	seq    int64
	id     string
	conf   map[string]any
	client domain.Caller
	server string

	// done is non-nil while a start is in flight and is closed when the
	// placeholder either commits or is cleared.
	done chan struct{}
}

func newInstanceRegistry(logger *zap.Logger, metrics domain.Metrics) *instanceRegistry {
	return &instanceRegistry{
		logger:  logger.Named("instances"),
		metrics: metrics,
		entries: make(map[string]*instanceEntry),
		pids:    make(map[domain.Caller]int64),
	}
}

// GetInstanceID resolves a plugin configuration to a live remote instance,
// starting one if the registry has no entry for the derived key or the
// cached entry's sequence number is stale. At most one StartInstance is in
// flight per key; concurrent callers share the started id. The returned
// client is the one the instance lives on.
func (r *instanceRegistry) GetInstanceID(ctx context.Context, desc *domain.PluginDescriptor,
	conf map[string]any, client domain.Caller) (string, domain.Caller, error) {

	key, seq := domain.InstanceIdentity(desc.Name, conf)

	for {
		r.mu.Lock()
		e := r.entries[key]

		if e != nil && e.done != nil {
			done := e.done
			r.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}

		if e != nil && e.id != "" && e.seq == seq {
			id, c := e.id, e.client
			r.mu.Unlock()
			return id, c, nil
		}

		// Miss or stale: install the placeholder and become the starter.
		var oldID string
		if e == nil {
			e = &instanceEntry{key: key}
			r.entries[key] = e
		} else {
			oldID = e.id
			r.metrics.ObserveInstanceEviction(e.server, domain.EvictionStale, 1)
		}
		e.id = ""
		e.seq = seq
		e.conf = conf
		e.server = desc.Server.Name
		e.done = make(chan struct{})
		r.mu.Unlock()

		id, err := r.startRemote(ctx, desc, conf, client)
		r.metrics.ObserveInstanceStart(desc.Server.Name, err)

		r.mu.Lock()
		done := e.done
		e.done = nil
		if err != nil {
			if r.entries[key] == e {
				delete(r.entries, key)
			}
			r.mu.Unlock()
			close(done)
			return "", nil, fmt.Errorf("start instance of %s: %w", desc.Name, err)
		}
		e.id = id
		e.client = client
		r.mu.Unlock()
		close(done)

		r.logger.Debug("started plugin instance",
			zap.String("plugin", desc.Name),
			zap.String("key", key),
			zap.Int64("seq", seq),
			zap.String("id", id))

		if oldID != "" {
			// Best-effort close of the superseded instance.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), closeInstanceTimeout)
				defer cancel()
				if _, err := client.Call(ctx, "plugin.CloseInstance", map[string]any{"Id": oldID}); err != nil {
					r.logger.Debug("close of superseded instance failed",
						zap.String("plugin", desc.Name), zap.String("id", oldID), zap.Error(err))
				}
			}()
		}
		return id, client, nil
	}
}

// startRemote asks the owning server for a fresh instance. The bookkeeping
// fields are stripped and the configuration crosses the wire as JSON.
func (r *instanceRegistry) startRemote(ctx context.Context, desc *domain.PluginDescriptor,
	conf map[string]any, client domain.Caller) (string, error) {

	encoded, err := encodeConfig(conf)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	result, err := client.Call(ctx, "plugin.StartInstance", map[string]any{
		"Name":   desc.Name,
		"Config": encoded,
	})
	if err != nil {
		return "", err
	}
	payload, ok := result.(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected StartInstance response %T", result)
	}
	id := instanceID(payload["Id"])
	if id == "" {
		return "", fmt.Errorf("StartInstance response carries no instance id")
	}
	return id, nil
}

// ResetInstance drops the cached entry for a configuration, typically after
// the server reported the remote instance is gone. An in-flight start is
// left alone; its starter owns the entry.
func (r *instanceRegistry) ResetInstance(pluginName string, conf map[string]any) {
	key, _ := domain.InstanceIdentity(pluginName, conf)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil || e.done != nil {
		return
	}
	delete(r.entries, key)
	r.metrics.ObserveInstanceEviction(e.server, domain.EvictionReset, 1)
}

// OnServerPid records a server's announced pid. The first announcement for
// a client only records; a changed pid means the server restarted behind the
// socket, so every committed instance on that client is dropped.
func (r *instanceRegistry) OnServerPid(client domain.Caller, pid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, seen := r.pids[client]
	r.pids[client] = pid
	if !seen || last == pid {
		return
	}

	evicted := r.evictClientLocked(client, domain.EvictionServerPid)
	r.logger.Info("plugin server restarted, dropped its instances",
		zap.Int64("oldPid", last), zap.Int64("newPid", pid), zap.Int("dropped", evicted))
}

// DropClient forgets a dead transport: its pid record and every committed
// instance that lives on it.
func (r *instanceRegistry) DropClient(client domain.Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, client)
	r.evictClientLocked(client, domain.EvictionServerPid)
}

func (r *instanceRegistry) evictClientLocked(client domain.Caller, reason string) int {
	evicted := 0
	for key, e := range r.entries {
		if e.done != nil || e.client != client {
			continue
		}
		delete(r.entries, key)
		r.metrics.ObserveInstanceEviction(e.server, reason, 1)
		evicted++
	}
	return evicted
}

// Clear drops every committed entry and all pid records.
func (r *instanceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.done != nil {
			continue
		}
		delete(r.entries, key)
	}
	r.pids = make(map[domain.Caller]int64)
}

// encodeConfig serializes a plugin configuration for the wire, without the
// gateway's bookkeeping fields.
func encodeConfig(conf map[string]any) (string, error) {
	clean := make(map[string]any, len(conf))
	for k, v := range conf {
		if k == domain.ConfigKeyField || k == domain.ConfigSeqField {
			continue
		}
		clean[k] = v
	}
	encoded, err := json.Marshal(clean)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// instanceID normalizes the wire representation of an instance id. Servers
// disagree on the type: some return strings, some integers.
func instanceID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float32, float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}
