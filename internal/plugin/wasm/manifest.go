package wasm

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestName is the file Discover looks for in each plugin directory.
const ManifestName = "plugin.yaml"

const (
	PermPublish  = "bus:publish"
	PermDOMWrite = "dom:write"
)

// Manifest describes a WASM slide plugin package.
type Manifest struct {
	Metadata     Metadata     `yaml:"metadata"`
	Runtime      RuntimeSpec  `yaml:"runtime"`
	Capabilities Capabilities `yaml:"capabilities"`
	Permissions  []string     `yaml:"permissions"`

	dir string
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	Cleanup     string `yaml:"cleanup,omitempty"`
	HostVersion string `yaml:"host_version"`
}

type Capabilities struct {
	Bus BusSpec `yaml:"bus"`
	DOM DOMSpec `yaml:"dom,omitempty"`
}

// BusSpec lists the course event topics a plugin may publish.
type BusSpec struct {
	Publish []string `yaml:"publish,omitempty"`
}

type DOMSpec struct {
	Write bool `yaml:"write"`
}

// LoadManifest reads a manifest from disk. Relative module paths resolve
// against the manifest's directory.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ModulePath returns the absolute location of the compiled module.
func (m Manifest) ModulePath() string {
	if filepath.IsAbs(m.Runtime.Module) || m.dir == "" {
		return m.Runtime.Module
	}
	return filepath.Join(m.dir, m.Runtime.Module)
}

// Allowed reports whether the manifest grants perm.
func (m Manifest) Allowed(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// CanPublish reports whether topic is declared and publishing is permitted.
func (m Manifest) CanPublish(topic string) error {
	if !m.Allowed(PermPublish) {
		return fmt.Errorf("missing permission %s", PermPublish)
	}
	for _, t := range m.Capabilities.Bus.Publish {
		if t == topic {
			return nil
		}
	}
	return fmt.Errorf("topic %s not declared in manifest", topic)
}

// CanWriteDOM reports whether the plugin may mutate the slide.
func (m Manifest) CanWriteDOM() error {
	if !m.Capabilities.DOM.Write || !m.Allowed(PermDOMWrite) {
		return fmt.Errorf("missing permission %s", PermDOMWrite)
	}
	return nil
}

// ValidateManifest ensures manifest contains required fields.
func ValidateManifest(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if len(m.Capabilities.Bus.Publish) > 0 && !m.Allowed(PermPublish) {
		return fmt.Errorf("capabilities.bus.publish requires permission %s", PermPublish)
	}
	if m.Capabilities.DOM.Write && !m.Allowed(PermDOMWrite) {
		return fmt.Errorf("capabilities.dom.write requires permission %s", PermDOMWrite)
	}
	return nil
}
