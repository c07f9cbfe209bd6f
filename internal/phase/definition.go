package phase

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"conveyor/internal/config"
)

// Definition declares one unit of orchestrated work. Definitions are immutable
// after graph construction; per-run state lives in Result.
type Definition struct {
	ID              string
	Dependencies    []string
	Provider        string
	Retryable       bool
	Idempotent      bool
	Optional        bool
	Fatal           bool
	Timeout         time.Duration
	CacheCategory   string
	IdempotencyKeys bool
}

var titleCaser = cases.Title(language.English)

// Label derives a human-readable name from the phase identifier
// ("render_video" -> "Render Video").
func (d Definition) Label() string {
	if d.ID == "" {
		return ""
	}
	return titleCaser.String(strings.ReplaceAll(d.ID, "_", " "))
}

// DefinitionsFromConfig maps the configured phase declarations into graph
// definitions.
func DefinitionsFromConfig(cfg *config.Config) []Definition {
	defs := make([]Definition, 0, len(cfg.Phases))
	for _, p := range cfg.Phases {
		defs = append(defs, Definition{
			ID:              p.ID,
			Dependencies:    append([]string{}, p.DependsOn...),
			Provider:        p.Provider,
			Retryable:       p.Retryable,
			Idempotent:      p.Idempotent,
			Optional:        p.Optional,
			Fatal:           p.Fatal,
			Timeout:         time.Duration(p.TimeoutSeconds) * time.Second,
			CacheCategory:   p.CacheCategory,
			IdempotencyKeys: p.IdempotencyKeys,
		})
	}
	return defs
}
