package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.trai.ch/zerr"
)

// Section returns the package.json field holding dependencies of kind k.
func (k DependencyKind) Section() string {
	switch k {
	case DependencyDev:
		return "devDependencies"
	case DependencyOptional:
		return "optionalDependencies"
	case DependencyPeer:
		return "peerDependencies"
	default:
		return "dependencies"
	}
}

var editableKinds = []DependencyKind{DependencyRegular, DependencyDev, DependencyOptional, DependencyPeer}

// ParseSpecArg splits a command-line "name@range" argument. The range is
// empty when the argument names only a package.
func ParseSpecArg(arg string) (name, constraint string, err error) {
	arg = strings.TrimSpace(arg)
	i := strings.LastIndex(arg, "@")
	if i > 0 {
		name, constraint = arg[:i], arg[i+1:]
	} else {
		name = arg
	}
	if name == "" || name == "@" || strings.HasSuffix(name, "/") ||
		(strings.HasPrefix(name, "@") && !strings.Contains(name, "/")) {
		return "", "", fmt.Errorf("invalid package argument %q", arg)
	}
	return name, constraint, nil
}

// ManifestEditor changes the dependency sections of a package.json file.
// Other fields and the order of top-level keys are preserved.
type ManifestEditor struct {
	path   string
	keys   []string
	fields map[string]json.RawMessage
}

// EditManifest opens the manifest at path for editing.
func EditManifest(path string) (*ManifestEditor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "read manifest"), "path", path)
	}
	keys, fields, err := decodeObject(data)
	if err != nil {
		return nil, &Error{Kind: InvalidManifest, Path: path, Err: err}
	}
	return &ManifestEditor{path: path, keys: keys, fields: fields}, nil
}

func decodeObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("manifest is not a JSON object")
	}
	var keys []string
	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		if _, dup := fields[key]; !dup {
			keys = append(keys, key)
		}
		fields[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, fields, nil
}

func (e *ManifestEditor) section(kind DependencyKind) (map[string]string, error) {
	deps := make(map[string]string)
	raw, ok := e.fields[kind.Section()]
	if !ok || string(raw) == "null" {
		return deps, nil
	}
	if err := json.Unmarshal(raw, &deps); err != nil {
		return nil, &Error{Kind: InvalidManifest, Path: e.path, Err: fmt.Errorf("%s: %w", kind.Section(), err)}
	}
	return deps, nil
}

func (e *ManifestEditor) setSection(kind DependencyKind, deps map[string]string) error {
	key := kind.Section()
	if len(deps) == 0 {
		if _, ok := e.fields[key]; ok {
			delete(e.fields, key)
			for i, k := range e.keys {
				if k == key {
					e.keys = append(e.keys[:i], e.keys[i+1:]...)
					break
				}
			}
		}
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(deps); err != nil {
		return err
	}
	raw := json.RawMessage(bytes.TrimSpace(buf.Bytes()))
	if _, ok := e.fields[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.fields[key] = raw
	return nil
}

// Lookup returns the constraint and section of a declared dependency.
func (e *ManifestEditor) Lookup(name string) (string, DependencyKind, bool) {
	for _, kind := range editableKinds {
		deps, err := e.section(kind)
		if err != nil {
			continue
		}
		if c, ok := deps[name]; ok {
			return c, kind, true
		}
	}
	return "", DependencyRegular, false
}

// Set declares name with constraint in the section for kind. An entry for
// name in any other section except peerDependencies is removed, so the
// name is declared once.
func (e *ManifestEditor) Set(kind DependencyKind, name, constraint string) error {
	for _, k := range editableKinds {
		if k == kind || k == DependencyPeer {
			continue
		}
		deps, err := e.section(k)
		if err != nil {
			return err
		}
		if _, ok := deps[name]; ok {
			delete(deps, name)
			if err := e.setSection(k, deps); err != nil {
				return err
			}
		}
	}
	deps, err := e.section(kind)
	if err != nil {
		return err
	}
	deps[name] = constraint
	return e.setSection(kind, deps)
}

// Remove deletes name from every dependency section and reports whether it
// was declared.
func (e *ManifestEditor) Remove(name string) (bool, error) {
	found := false
	for _, kind := range editableKinds {
		deps, err := e.section(kind)
		if err != nil {
			return false, err
		}
		if _, ok := deps[name]; !ok {
			continue
		}
		found = true
		delete(deps, name)
		if err := e.setSection(kind, deps); err != nil {
			return false, err
		}
	}
	return found, nil
}

// Bytes returns the edited manifest, indented with two spaces.
func (e *ManifestEditor) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, key := range e.keys {
		if i > 0 {
			buf.WriteString(",")
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.WriteString("\n  ")
		buf.Write(name)
		buf.WriteString(": ")
		if err := json.Indent(&buf, e.fields[key], "  ", "  "); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "encode manifest"), "field", key)
		}
	}
	if len(e.keys) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// Save writes the edited manifest back to its file.
func (e *ManifestEditor) Save() error {
	data, err := e.Bytes()
	if err != nil {
		return err
	}
	info, err := os.Stat(e.path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return zerr.With(zerr.Wrap(err, "write manifest"), "path", e.path)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		_ = os.Remove(tmp)
		return zerr.With(zerr.Wrap(err, "replace manifest"), "path", e.path)
	}
	return nil
}
