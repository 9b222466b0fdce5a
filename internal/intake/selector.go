package intake

import (
	"sort"

	"github.com/ryanuber/go-glob"

	"keelci/internal/core"
)

// Select returns the first definition, ordered by name, whose trigger
// matches the push. Definitions without a trigger repository never match
// webhooks; they can still be started manually.
func Select(defs []core.PipelineDefinition, ev PushEvent) (core.PipelineDefinition, bool) {
	sorted := append([]core.PipelineDefinition(nil), defs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, def := range sorted {
		if Matches(def.Trigger, ev) {
			return def, true
		}
	}
	return core.PipelineDefinition{}, false
}

// Matches reports whether a trigger selects the push. No branch patterns
// means every branch.
func Matches(trigger core.Trigger, ev PushEvent) bool {
	if trigger.Repository == "" || !glob.Glob(trigger.Repository, ev.Repository) {
		return false
	}
	if len(trigger.Branches) == 0 {
		return true
	}
	for _, pattern := range trigger.Branches {
		if glob.Glob(pattern, ev.Branch) {
			return true
		}
	}
	return false
}
