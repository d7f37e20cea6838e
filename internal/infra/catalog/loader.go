// Package catalog loads the plugin server list file. The document is a YAML
// sequence of server definitions; viper cannot represent a top-level
// sequence, so the file itself goes through yaml.v3 and viper stays at the
// daemon flag/environment boundary.
package catalog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

type rawServerDef struct {
	Name        string            `yaml:"name"`
	Socket      string            `yaml:"socket"`
	Exec        string            `yaml:"exec"`
	Args        []string          `yaml:"args"`
	Environment map[string]string `yaml:"environment"`
	InfoCmd     string            `yaml:"info_cmd"`
}

// Load reads the server list. A missing path or file disables the host: it
// is logged at INFO and an empty list is returned. A malformed document
// fails startup.
func Load(path string, logger *zap.Logger) ([]domain.ServerDef, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		logger.Info("no external plugin server config, external plugins disabled")
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("external plugin server config not found, external plugins disabled",
				zap.String("path", path))
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw []rawServerDef
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(raw))
	defs := make([]domain.ServerDef, 0, len(raw))
	for i, r := range raw {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("plugin server #%d", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("parse %s: duplicate server name %q", path, name)
		}
		seen[name] = struct{}{}
		if r.Socket == "" {
			return nil, fmt.Errorf("parse %s: server %q has no socket", path, name)
		}
		defs = append(defs, domain.ServerDef{
			Name:    name,
			Socket:  r.Socket,
			Exec:    r.Exec,
			Args:    r.Args,
			Env:     r.Environment,
			InfoCmd: r.InfoCmd,
		})
	}
	return defs, nil
}
