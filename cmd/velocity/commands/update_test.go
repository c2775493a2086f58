package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/config"
	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/registry"
	"github.com/justbytecode/velocity/registry/registrytest"
)

func installedVersion(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "node_modules", name, core.ManifestFile))
	if err != nil {
		t.Fatal(err)
	}
	var m struct{ Version string }
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m.Version
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateCommand(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("a", "1.0.0", nil, nil)
	srv.Publish("b", "1.0.0", nil, nil)
	dir, _ := testProject(t, srv, `{"name":"app","dependencies":{"a":"^1.0.0","b":"^1.0.0"}}`)
	writeConfig(t, dir, "[cache]\nmetadata_ttl = \"0s\"\n")

	var out, errOut bytes.Buffer
	console := output.NewConsole(&out, &errOut, output.VerbosityNormal)
	global := &cli.Options{Dir: dir, LogLevel: "error"}

	inst := NewInstallCommand(console, global)
	inst.SetArgs(nil)
	if err := inst.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("install error = %v (stderr: %s)", err, errOut.String())
	}

	srv.Publish("a", "1.4.0", nil, nil)
	srv.Publish("b", "1.1.0", nil, nil)

	cmd := NewUpdateCommand(console, global)
	cmd.SetArgs([]string{"a"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute(a) error = %v (stderr: %s)", err, errOut.String())
	}
	if got := installedVersion(t, dir, "a"); got != "1.4.0" {
		t.Errorf("a = %s, want 1.4.0", got)
	}
	if got := installedVersion(t, dir, "b"); got != "1.0.0" {
		t.Errorf("b = %s, want 1.0.0 (still locked)", got)
	}

	cmd = NewUpdateCommand(console, global)
	cmd.SetArgs(nil)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := installedVersion(t, dir, "b"); got != "1.1.0" {
		t.Errorf("b = %s, want 1.1.0", got)
	}
	m := loadManifest(t, dir)
	if m.Dependencies["a"] != "^1.0.0" {
		t.Errorf("update rewrote package.json: %v", m.Dependencies)
	}
}

func TestAuditCommand(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("net", "1.0.0", nil, nil)
	srv.Update("net", "1.0.0", func(vm *registry.VersionMetadata) {
		vm.Permissions = []string{"network"}
		vm.Scripts = map[string]string{"postinstall": "node setup.js"}
	})
	dir, _ := testProject(t, srv, `{"name":"app","dependencies":{"net":"1.0.0"}}`)

	var out, errOut bytes.Buffer
	console := output.NewConsole(&out, &errOut, output.VerbosityNormal)
	global := &cli.Options{Dir: dir, LogLevel: "error"}

	cmd := NewAuditCommand(console, global)
	cmd.SetArgs(nil)
	if err := cmd.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "run install first") {
		t.Fatalf("Execute() before install error = %v, want missing lockfile", err)
	}

	inst := NewInstallCommand(console, global)
	inst.SetArgs(nil)
	if err := inst.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("install error = %v (stderr: %s)", err, errOut.String())
	}

	out.Reset()
	cmd = NewAuditCommand(console, global)
	cmd.SetArgs(nil)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v (stderr: %s)", err, errOut.String())
	}
	for _, want := range []string{"net@1.0.0", "permissions", "capabilities not allowed: network", "scripts"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output = %q, want %q", out.String(), want)
		}
	}

	writeConfig(t, dir, "[security]\nstrict_permissions = true\n")
	cmd = NewAuditCommand(console, global)
	cmd.SetArgs(nil)
	err := cmd.ExecuteContext(context.Background())
	if !errors.Is(err, core.PermissionDenied) {
		t.Fatalf("Execute() with strict permissions error = %v, want PermissionDenied", err)
	}
	if got := core.ExitCode(err); got != 4 {
		t.Errorf("ExitCode() = %d, want 4", got)
	}
}
