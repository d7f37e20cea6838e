package domain

// Phase names a stage of the gateway's per-request pipeline at which a
// plugin may run logic.
const (
	PhaseCertificate  = "certificate"
	PhaseRewrite      = "rewrite"
	PhaseAccess       = "access"
	PhaseResponse     = "response"
	PhaseHeaderFilter = "header_filter"
	PhaseBodyFilter   = "body_filter"
	PhaseLog          = "log"
)

var knownPhases = map[string]struct{}{
	PhaseCertificate:  {},
	PhaseRewrite:      {},
	PhaseAccess:       {},
	PhaseResponse:     {},
	PhaseHeaderFilter: {},
	PhaseBodyFilter:   {},
	PhaseLog:          {},
}

// KnownPhase reports whether name is a phase the gateway dispatches.
func KnownPhase(name string) bool {
	_, ok := knownPhases[name]
	return ok
}

// PluginDescriptor is one plugin advertised by a server's info command.
// Descriptors are registered once at startup and never mutated; Schema is
// opaque to the host and is consumed by the gateway's validator.
type PluginDescriptor struct {
	Name     string
	Priority int
	Version  string
	Schema   any
	Phases   []string
	Server   ServerDef
}

// HandlesPhase reports whether the plugin advertised the given phase.
func (d *PluginDescriptor) HandlesPhase(phase string) bool {
	for _, p := range d.Phases {
		if p == phase {
			return true
		}
	}
	return false
}
