package config

import (
	"fmt"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// SourcesKey is the top-level key holding per-source settings.
const SourcesKey = "sources"

// LoadSources reads the per-source settings under SourcesKey. Missing
// durations stay zero. Malformed values are errors; a typo in
// wait_for_more must not silently change dispatch timing.
func LoadSources(root Section) (map[string]event.Settings, error) {
	section := root.Sub(SourcesKey)
	out := make(map[string]event.Settings, len(section))

	for _, name := range section.Names() {
		src := section.Sub(name)
		var s event.Settings
		for _, f := range []struct {
			key string
			dst *time.Duration
		}{
			{"wait_for_more", &s.WaitForMore},
			{"escalate_after", &s.EscalateAfter},
			{"reopen_cooldown", &s.ReopenCooldown},
		} {
			d, ok, err := src.Duration(f.key)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", name, err)
			}
			if ok {
				*f.dst = d
			}
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// SourcesFromFile reads the per-source settings of the file at path.
func SourcesFromFile(path string) (map[string]event.Settings, error) {
	root, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadSources(root)
}
