package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/justbytecode/velocity/core"
)

// YAMLFile is the alternative workspace declaration file.
const YAMLFile = "velocity-workspace.yaml"

// Format identifies where workspace patterns were declared.
type Format string

const (
	// FormatNone means the project declares no workspace.
	FormatNone Format = ""
	// FormatManifest means the "workspaces" field of package.json.
	FormatManifest Format = "package.json"
	// FormatYAML means velocity-workspace.yaml.
	FormatYAML Format = "yaml"
)

// Detector finds the workspace declaration of a project.
type Detector struct {
	// Root is the project directory
	Root string
}

// NewDetector creates a detector for root.
func NewDetector(root string) *Detector {
	if root == "" {
		root = "."
	}
	return &Detector{Root: root}
}

// DetectionResult contains the result of workspace detection.
type DetectionResult struct {
	// Found indicates a workspace declaration exists
	Found bool

	// Ambiguous indicates both package.json and the YAML file declare
	// members; package.json wins.
	Ambiguous bool

	// Source is the path of the declaring file
	Source string

	Format   Format
	Patterns []string
}

// Detect looks for member patterns in package.json, then in
// velocity-workspace.yaml.
func (d *Detector) Detect() (*DetectionResult, error) {
	result := &DetectionResult{}

	manifestPath := filepath.Join(d.Root, core.ManifestFile)
	var manifestPatterns []string
	if _, err := os.Stat(manifestPath); err == nil {
		patterns, err := NewManifestParser().Parse(manifestPath)
		if err != nil {
			return nil, err
		}
		manifestPatterns = patterns
	}

	yamlPath := filepath.Join(d.Root, YAMLFile)
	var yamlPatterns []string
	if _, err := os.Stat(yamlPath); err == nil {
		patterns, err := NewYAMLParser().Parse(yamlPath)
		if err != nil {
			return nil, err
		}
		yamlPatterns = patterns
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	switch {
	case len(manifestPatterns) > 0:
		result.Found = true
		result.Ambiguous = len(yamlPatterns) > 0
		result.Source = manifestPath
		result.Format = FormatManifest
		result.Patterns = manifestPatterns
	case len(yamlPatterns) > 0:
		result.Found = true
		result.Source = yamlPath
		result.Format = FormatYAML
		result.Patterns = yamlPatterns
	}
	return result, nil
}
