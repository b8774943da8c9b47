package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	idPattern     = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+`)
	entryPattern  = regexp.MustCompile(`^[a-zA-Z_]\w*\.[a-zA-Z_]\w*$`)
)

const (
	msgIDFormat      = "Field 'id' must be lowercase letters/digits/underscores, start with a letter, max 64 chars"
	msgVersionFormat = "Field 'version' should follow semver (e.g. '1.0.0')"
	msgEntryFormat   = "Field 'entry' must be 'module_name.ClassName' (e.g. 'plugin_main.Plugin')"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("semver_prefix", func(fl validator.FieldLevel) bool {
		return semverPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("entry_ref", func(fl validator.FieldLevel) bool {
		return entryPattern.MatchString(fl.Field().String())
	})
	return v
}

// requiredFields holds the trimmed textual form of each required key
type requiredFields struct {
	ID          string `json:"id" validate:"required,plugin_id"`
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version" validate:"required,semver_prefix"`
	Description string `json:"description" validate:"required"`
	Author      string `json:"author" validate:"required"`
	Entry       string `json:"entry" validate:"required,entry_ref"`
}

// formatMessages maps a field's format tag failure to its reason
var formatMessages = map[string]string{
	"id":      msgIDFormat,
	"version": msgVersionFormat,
	"entry":   msgEntryFormat,
}

// IsValidID reports whether id is an acceptable plugin slug
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// CheckID returns an error wrapping ErrInvalidID unless id is a plugin slug.
// Ids are joined under the plugins root, so every path built from one must
// pass this first.
func CheckID(id string) error {
	if !IsValidID(id) {
		return fmt.Errorf("%w '%s': must be lowercase letters/digits/underscores, start with a letter, max 64 chars", ErrInvalidID, id)
	}
	return nil
}

// ValidateFile checks the descriptor at path and returns every problem found.
// An empty result means the descriptor is valid.
func ValidateFile(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return []string{fmt.Sprintf("Cannot read file: %v", err)}
	}
	return Validate(data, filepath.Dir(path))
}

// Validate checks raw descriptor bytes for a plugin living in dir
func Validate(data []byte, dir string) []string {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return []string{fmt.Sprintf("Invalid JSON: %v", err)}
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return []string{"plugin.json root must be a JSON object"}
	}

	var reasons []string
	missing := make(map[string]bool)
	fields := requiredFields{}
	values := map[string]*string{
		"id":          &fields.ID,
		"name":        &fields.Name,
		"version":     &fields.Version,
		"description": &fields.Description,
		"author":      &fields.Author,
		"entry":       &fields.Entry,
	}
	for _, f := range RequiredFields {
		v, present := obj[f]
		if !present {
			missing[f] = true
			continue
		}
		*values[f] = textOf(v)
	}

	failed := make(map[string]string)
	if err := validate.Struct(fields); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				failed[fe.Field()] = fe.Tag()
			}
		}
	}

	for _, f := range RequiredFields {
		switch {
		case missing[f]:
			reasons = append(reasons, fmt.Sprintf("Missing required field: '%s'", f))
		case failed[f] == "required":
			reasons = append(reasons, fmt.Sprintf("Field '%s' must not be empty", f))
		}
	}
	for _, f := range RequiredFields {
		if tag, ok := failed[f]; ok && tag != "required" {
			reasons = append(reasons, formatMessages[f])
		}
	}

	if s, ok := obj["settings"]; ok {
		reasons = append(reasons, validateSettings(s)...)
	}

	if len(reasons) == 0 && fields.Entry != "" {
		module, _, _ := strings.Cut(fields.Entry, ".")
		if _, err := os.Stat(filepath.Join(dir, module+ModuleExt)); err != nil {
			reasons = append(reasons, fmt.Sprintf("Entry file '%s%s' not found in plugin directory", module, ModuleExt))
		}
	}

	return reasons
}

func textOf(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func validateSettings(v interface{}) []string {
	data, err := json.Marshal(v)
	if err != nil {
		return []string{fmt.Sprintf("Field 'settings' is invalid: %v", err)}
	}
	var settings []PluginSetting
	if err := json.Unmarshal(data, &settings); err != nil {
		return []string{fmt.Sprintf("Field 'settings' is invalid: %v", err)}
	}

	var reasons []string
	for i, s := range settings {
		err := validate.Struct(s)
		if err == nil {
			continue
		}
		label := s.Key
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			reasons = append(reasons, fmt.Sprintf("Setting '%s' is invalid: %v", label, err))
			continue
		}
		for _, fe := range verrs {
			reasons = append(reasons, settingReason(label, fe))
		}
	}
	return reasons
}

func settingReason(label string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Setting '%s' is missing '%s'", label, fe.Field())
	case "required_if":
		return fmt.Sprintf("Setting '%s' of type dropdown must list 'values'", label)
	case "oneof":
		return fmt.Sprintf("Setting '%s' has unsupported type '%v'", label, fe.Value())
	default:
		return fmt.Sprintf("Setting '%s' failed '%s' on '%s'", label, fe.Tag(), fe.Field())
	}
}

// Parse decodes descriptor bytes without validating them
func Parse(data []byte, dir string) (*Manifest, error) {
	m := &Manifest{ThreadIsolated: true}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.ID = strings.TrimSpace(m.ID)
	m.Entry = strings.TrimSpace(m.Entry)
	m.Dir = dir
	return m, nil
}

// Load validates and parses the descriptor inside dir
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNotFound)
		}
		return nil, &InvalidError{Dir: dir, Reasons: []string{fmt.Sprintf("Cannot read file: %v", err)}}
	}

	if reasons := Validate(data, dir); len(reasons) > 0 {
		return nil, &InvalidError{Dir: dir, Reasons: reasons}
	}

	m, err := Parse(data, dir)
	if err != nil {
		return nil, &InvalidError{Dir: dir, Reasons: []string{err.Error()}}
	}
	return m, nil
}
