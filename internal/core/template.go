package core

import (
	"io"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"
)

// Vars are the values substituted into {{tag}} placeholders of stage commands.
type Vars map[string]string

const defaultTagTemplate = "{{run_number}}"

// RunVars returns the template variables for a run.
func RunVars(run *Run) Vars {
	vars := Vars{
		"run_number": strconv.FormatUint(run.Number, 10),
		"pipeline":   run.Pipeline,
		"branch":     run.Trigger.Branch,
		"commit_sha": run.Trigger.CommitSHA,
		"repository": run.Trigger.Repository,
		"image":      run.Image,
	}
	sha := run.Trigger.CommitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	vars["short_sha"] = sha
	return vars
}

// Expand replaces {{tag}} placeholders. Unknown tags are left untouched.
func (v Vars) Expand(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return fasttemplate.ExecuteFuncString(s, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		if value, ok := v[strings.TrimSpace(tag)]; ok {
			return w.Write([]byte(value))
		}
		return w.Write([]byte("{{" + tag + "}}"))
	})
}

// ExpandShell rewrites known {{tag}} placeholders of a shell command into
// references to their KEELCI_* environment variables, so values such as a
// branch name are never parsed as shell syntax. Unknown tags are left
// untouched.
func (v Vars) ExpandShell(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return fasttemplate.ExecuteFuncString(s, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		if _, ok := v[name]; ok {
			return w.Write([]byte(`"${` + envName(name) + `}"`))
		}
		return w.Write([]byte("{{" + tag + "}}"))
	})
}

func envName(tag string) string {
	return "KEELCI_" + strings.ToUpper(tag)
}

// Environment exposes the variables to stage processes as KEELCI_* names.
func (v Vars) Environment() map[string]string {
	env := make(map[string]string, len(v))
	for k, value := range v {
		env[envName(k)] = value
	}
	return env
}

// ImageRef derives the immutable image reference for a run, e.g.
// registry.local/app:42. Empty when the pipeline builds no image.
func (p *PipelineDefinition) ImageRef(run *Run) string {
	if p.Image == "" {
		return ""
	}
	tmpl := p.Tag
	if tmpl == "" {
		tmpl = defaultTagTemplate
	}
	vars := Vars{
		"run_number": strconv.FormatUint(run.Number, 10),
		"pipeline":   p.Name,
		"branch":     sanitizeTag(run.Trigger.Branch),
		"commit_sha": run.Trigger.CommitSHA,
	}
	sha := run.Trigger.CommitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	vars["short_sha"] = sha
	return p.Image + ":" + vars.Expand(tmpl)
}

// sanitizeTag keeps only characters valid in an image tag.
func sanitizeTag(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}
