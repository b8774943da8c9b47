// Package manifest parses, validates and discovers plugin descriptors.
// Each plugin lives in its own directory under the plugins root and is
// described by a plugin.json file next to its entry module.
package manifest

import (
	"errors"
	"path/filepath"
	"strings"
)

const (
	// FileName is the descriptor file expected in every plugin directory
	FileName = "plugin.json"

	// SpecVersion is stamped into generated descriptors
	SpecVersion = "1.0"

	// ModuleExt is the extension of compiled entry modules
	ModuleExt = ".wasm"
)

// RequiredFields lists the descriptor keys every plugin must declare, in
// the order their problems are reported.
var RequiredFields = []string{"id", "name", "version", "description", "author", "entry"}

// ErrNotFound is returned when no valid descriptor declares the requested id
var ErrNotFound = errors.New("plugin manifest not found")

// ErrInvalidID is returned for an id that is not a plugin slug
var ErrInvalidID = errors.New("invalid plugin id")

// Manifest describes one plugin package on disk
type Manifest struct {
	// SpecVersion is the descriptor format version the plugin was written against
	SpecVersion string `json:"spec_version,omitempty" yaml:"spec_version,omitempty"`

	// ID is the unique lowercase slug (e.g., "clock_widget")
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name
	Name string `json:"name" yaml:"name"`

	// Version is the plugin version (semver)
	Version string `json:"version" yaml:"version"`

	// Description explains what the plugin does
	Description string `json:"description" yaml:"description"`

	// Author is the plugin author/maintainer
	Author string `json:"author" yaml:"author"`

	// Icon is an opaque icon reference resolved by the UI
	Icon string `json:"icon,omitempty" yaml:"icon,omitempty"`

	// Entry identifies the loadable symbol as "module.Symbol"
	Entry string `json:"entry" yaml:"entry"`

	// ThreadIsolated is informational; plugin logic always runs in a worker process
	ThreadIsolated bool `json:"thread_isolated" yaml:"thread_isolated"`

	// MinNovaVersion is the oldest host version the plugin supports
	MinNovaVersion string `json:"min_nova_version,omitempty" yaml:"min_nova_version,omitempty"`

	// Permissions lists requested host capabilities (e.g., "ipc")
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	// Keywords are free-form search tags
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`

	// Homepage is the plugin's website or repository
	Homepage string `json:"homepage,omitempty" yaml:"homepage,omitempty"`

	// Settings describes the values a user can configure for this plugin
	Settings []PluginSetting `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Dir is the plugin directory the descriptor was read from
	Dir string `json:"-" yaml:"-"`
}

// SettingType is the editor kind a setting is presented with
type SettingType string

const (
	SettingText         SettingType = "text"
	SettingBool         SettingType = "bool"
	SettingColorPicker  SettingType = "colorpicker"
	SettingDropdown     SettingType = "dropdown"
	SettingFileBrowse   SettingType = "filebrowse"
	SettingFolderBrowse SettingType = "folderbrowse"
	SettingNumber       SettingType = "number"
)

// PluginSetting describes one configurable value of a plugin
type PluginSetting struct {
	Key         string        `json:"key" yaml:"key" validate:"required"`
	Name        string        `json:"name" yaml:"name" validate:"required"`
	Type        SettingType   `json:"type" yaml:"type" validate:"required,oneof=text bool colorpicker dropdown filebrowse folderbrowse number"`
	Default     interface{}   `json:"default,omitempty" yaml:"default,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Values      []interface{} `json:"values,omitempty" yaml:"values,omitempty" validate:"required_if=Type dropdown"`
}

// EntryModule returns the module part of the entry reference
func (m *Manifest) EntryModule() string {
	module, _, _ := strings.Cut(m.Entry, ".")
	return module
}

// EntrySymbol returns the exported symbol part of the entry reference
func (m *Manifest) EntrySymbol() string {
	_, symbol, _ := strings.Cut(m.Entry, ".")
	return symbol
}

// ModulePath returns the on-disk location of the compiled entry module
func (m *Manifest) ModulePath() string {
	return filepath.Join(m.Dir, m.EntryModule()+ModuleExt)
}

// Setting returns the declared setting with the given key
func (m *Manifest) Setting(key string) (PluginSetting, bool) {
	for _, s := range m.Settings {
		if s.Key == key {
			return s, true
		}
	}
	return PluginSetting{}, false
}

// InvalidError reports why a descriptor was rejected
type InvalidError struct {
	Dir     string
	Reasons []string
}

func (e *InvalidError) Error() string {
	return strings.Join(e.Reasons, "; ")
}
