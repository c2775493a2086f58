package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/justbytecode/velocity/core"
)

// Parser reads member patterns from a workspace declaration.
type Parser interface {
	// Parse reads the member glob patterns declared in path
	Parse(path string) ([]string, error)

	// CanParse checks if this parser supports the given file
	CanParse(path string) bool
}

// ParseError reports a malformed workspace declaration.
type ParseError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.FilePath, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// GetParser returns the parser for a declaration file.
func GetParser(path string) (Parser, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	for _, p := range []Parser{NewManifestParser(), NewYAMLParser()} {
		if p.CanParse(path) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unsupported workspace declaration: %s (supported: %s, %s)", filepath.Base(path), core.ManifestFile, YAMLFile)
}

// ManifestParser reads the "workspaces" field of package.json.
type ManifestParser struct{}

// NewManifestParser creates a package.json parser.
func NewManifestParser() *ManifestParser {
	return &ManifestParser{}
}

// CanParse checks if this parser supports the given file
func (p *ManifestParser) CanParse(path string) bool {
	return filepath.Base(path) == core.ManifestFile
}

// Parse reads the workspace patterns of a package.json.
func (p *ManifestParser) Parse(path string) ([]string, error) {
	m, err := core.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return m.Workspaces, nil
}

// YAMLParser reads velocity-workspace.yaml.
type YAMLParser struct{}

// NewYAMLParser creates a velocity-workspace.yaml parser.
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

// CanParse checks if this parser supports the given file
func (p *YAMLParser) CanParse(path string) bool {
	return filepath.Base(path) == YAMLFile
}

type yamlDocument struct {
	Packages []string `yaml:"packages"`
}

// Parse reads the "packages" list of the YAML file.
func (p *YAMLParser) Parse(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{FilePath: path, Message: "cannot read file", Err: err}
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{FilePath: path, Message: fmt.Sprintf("failed to parse YAML: %v", err), Err: err}
	}
	for i, pattern := range doc.Packages {
		if pattern == "" {
			return nil, &ParseError{FilePath: path, Message: fmt.Sprintf("empty pattern at packages[%d]", i)}
		}
	}
	return doc.Packages, nil
}
