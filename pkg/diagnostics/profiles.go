package diagnostics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// OverrideFile is the per-project tool list, relative to the project root.
const OverrideFile = ".coe/diagnostics.yaml"

// Tool is one diagnostics command.
type Tool struct {
	Name string `yaml:"name"`
	Cmd  string `yaml:"cmd"` // split on whitespace; no shell
}

// Profile describes the checks for one language.
type Profile struct {
	Language string
	Detect   func(root string) bool
	Tools    []Tool

	// adapt tunes Tools from the project's own config files.
	adapt func(root string, p Profile) Profile
}

// Profiles returns the built-in language profiles.
func Profiles() []Profile {
	return []Profile{
		{
			Language: "go",
			Detect:   hasAny("go.mod"),
			Tools:    []Tool{{Name: "go vet", Cmd: "go vet ./..."}},
		},
		{
			Language: "python",
			Detect:   hasAny("pyproject.toml", "setup.py", "requirements.txt"),
			Tools:    []Tool{{Name: "ruff", Cmd: "ruff check --output-format=concise ."}},
			adapt:    adaptPython,
		},
		{
			Language: "typescript",
			Detect:   hasAny("tsconfig.json"),
			Tools:    []Tool{{Name: "tsc", Cmd: "tsc --noEmit --pretty false"}},
			adapt:    adaptJS,
		},
	}
}

// ResolveTools picks the commands for root: the override file when present,
// else every detected profile. It returns nil when nothing matches.
func ResolveTools(root string, profiles []Profile) ([]Tool, error) {
	tools, ok, err := loadOverrides(root)
	if err != nil || ok {
		return tools, err
	}
	for _, p := range profiles {
		if !p.Detect(root) {
			continue
		}
		if p.adapt != nil {
			p = p.adapt(root, p)
		}
		tools = append(tools, p.Tools...)
	}
	return tools, nil
}

func loadOverrides(root string) ([]Tool, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, OverrideFile)) //nolint:gosec // path is built from the project root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", OverrideFile, err)
	}

	var cfg struct {
		Tools []Tool `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", OverrideFile, err)
	}
	for i, t := range cfg.Tools {
		if t.Cmd == "" {
			return nil, false, fmt.Errorf("%s: tool %d has no cmd", OverrideFile, i)
		}
		if t.Name == "" {
			cfg.Tools[i].Name = t.Cmd
		}
	}
	return cfg.Tools, true, nil
}

// adaptPython adds mypy when pyproject.toml configures it.
func adaptPython(root string, p Profile) Profile {
	data, err := os.ReadFile(filepath.Join(root, "pyproject.toml")) //nolint:gosec // path is built from the project root
	if err != nil {
		return p
	}
	var pyproject struct {
		Tool map[string]any `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &pyproject); err != nil {
		return p
	}
	if _, ok := pyproject.Tool["mypy"]; ok {
		p.Tools = append(p.Tools, Tool{Name: "mypy", Cmd: "mypy --show-column-numbers --no-error-summary ."})
	}
	return p
}

// adaptJS adds eslint when package.json depends on it.
func adaptJS(root string, p Profile) Profile {
	data, err := os.ReadFile(filepath.Join(root, "package.json")) //nolint:gosec // path is built from the project root
	if err != nil {
		return p
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return p
	}
	_, dep := pkg.Dependencies["eslint"]
	_, dev := pkg.DevDependencies["eslint"]
	if dep || dev {
		p.Tools = append(p.Tools, Tool{Name: "eslint", Cmd: "eslint --format unix ."})
	}
	return p
}

func hasAny(markers ...string) func(string) bool {
	return func(root string) bool {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(root, m)); err == nil {
				return true
			}
		}
		return false
	}
}
