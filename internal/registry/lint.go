package registry

import (
	"fmt"
	"strings"

	"dynadmin/internal/dsl"
)

// SchemaIssue is a non-blocking inconsistency found in a loaded generation.
type SchemaIssue struct {
	Entity  string `json:"entity"`
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Lint checks the models of one generation for references to unknown
// entities and validator options that can never work.
func Lint(models map[string]*Model) []SchemaIssue {
	var issues []SchemaIssue
	for _, name := range sortedPaths(models) {
		m := models[name]
		for _, p := range m.Schema.Paths() {
			f := p.Field
			if target := f.RefTarget(); target != "" && resolveIn(models, target) == nil {
				issues = append(issues, SchemaIssue{
					Entity:  name,
					Field:   p.Path,
					Code:    "ref_target_unknown",
					Message: fmt.Sprintf("ref %q does not match any loaded entity; populate skips it", target),
				})
			}
			if f.Kind == dsl.KindArray && f.Elem != nil {
				f = f.Elem
			}
			if raw, ok := f.Options.Value("match"); ok && matchOption(f.Options) == nil {
				issues = append(issues, SchemaIssue{
					Entity:  name,
					Field:   p.Path,
					Code:    "match_invalid",
					Message: fmt.Sprintf("match %v is not a usable regular expression; ignored", raw),
				})
			}
			if _, ok := f.Options["enum"]; ok && len(enumValues(f.Options)) == 0 {
				issues = append(issues, SchemaIssue{
					Entity:  name,
					Field:   p.Path,
					Code:    "enum_empty",
					Message: "enum declares no values; ignored",
				})
			}
			if _, hasDefault := f.Options["default"]; hasDefault && f.Options.Bool("required") {
				issues = append(issues, SchemaIssue{
					Entity:  name,
					Field:   p.Path,
					Code:    "required_with_default",
					Message: "required field also declares a default; required never fires on create",
				})
			}
		}
	}
	return issues
}

// resolveIn finds a model by entity key, model name or collection,
// case-insensitively.
func resolveIn(models map[string]*Model, ref string) *Model {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	if m, ok := models[ref]; ok {
		return m
	}
	var found *Model
	for _, name := range sortedPaths(models) {
		m := models[name]
		if strings.EqualFold(m.Name, ref) || strings.EqualFold(m.ModelName, ref) || strings.EqualFold(m.Collection, ref) {
			found = m
			break
		}
	}
	return found
}
