// Package info executes a plugin server's info command and parses the
// plugin descriptors it advertises.
package info

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("info")}
}

type rawDescriptor struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Version  string   `yaml:"version"`
	Schema   any      `yaml:"schema"`
	Phases   []string `yaml:"phases"`
}

// Load runs the definition's info command and returns the advertised
// descriptors. The command's exit status is not inspected; only its stdout
// matters. The document may be YAML or JSON, the parser accepts both.
func (l *Loader) Load(ctx context.Context, def domain.ServerDef) ([]domain.PluginDescriptor, error) {
	if def.InfoCmd == "" {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", def.InfoCmd)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("info command for %s: %w", def.Name, err)
	}

	var raw []rawDescriptor
	if err := yaml.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse info output for %s: %w", def.Name, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("info command for %s produced no descriptors", def.Name)
	}

	descriptors := make([]domain.PluginDescriptor, 0, len(raw))
	for _, r := range raw {
		if r.Name == "" {
			return nil, fmt.Errorf("info command for %s produced a descriptor without a name", def.Name)
		}
		l.checkSchema(def.Name, r.Name, r.Schema)
		descriptors = append(descriptors, domain.PluginDescriptor{
			Name:     r.Name,
			Priority: r.Priority,
			Version:  r.Version,
			Schema:   normalizeValue(r.Schema),
			Phases:   r.Phases,
			Server:   def,
		})
	}
	return descriptors, nil
}

// checkSchema sanity-compiles the advertised schema. The schema stays opaque
// to the host and the gateway's validator has final say, so a schema that
// does not compile is only a warning.
func (l *Loader) checkSchema(server, plugin string, schema any) {
	if schema == nil {
		return
	}
	encoded, err := json.Marshal(normalizeValue(schema))
	if err != nil {
		l.logger.Warn("plugin schema is not encodable",
			zap.String("server", server), zap.String("plugin", plugin), zap.Error(err))
		return
	}
	var compiled jsonschema.Schema
	if err := json.Unmarshal(encoded, &compiled); err != nil {
		l.logger.Warn("plugin schema does not look like a JSON schema",
			zap.String("server", server), zap.String("plugin", plugin), zap.Error(err))
		return
	}
	if _, err := compiled.Resolve(nil); err != nil {
		l.logger.Warn("plugin schema does not resolve",
			zap.String("server", server), zap.String("plugin", plugin), zap.Error(err))
	}
}

// normalizeValue rewrites yaml.v3's map[any]any nodes into map[string]any so
// descriptor schemas round-trip through encoding/json.
func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
