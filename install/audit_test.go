package install_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justbytecode/velocity/install"
	"github.com/justbytecode/velocity/registry"
)

func findings(r *install.AuditReport, check string) []install.Finding {
	var out []install.Finding
	for _, f := range r.Findings {
		if f.Check == check {
			out = append(out, f)
		}
	}
	return out
}

func TestAudit(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("lodahs", "1.0.0", nil, nil)
	f.srv.Publish("native", "1.0.0", nil, nil)
	f.srv.Publish("net", "2.0.0", nil, nil)
	f.srv.Update("native", "1.0.0", func(vm *registry.VersionMetadata) {
		vm.Scripts = map[string]string{"install": "node-gyp rebuild"}
	})
	f.srv.Update("net", "2.0.0", func(vm *registry.VersionMetadata) {
		vm.Permissions = []string{"network"}
	})
	dir := project(t, map[string]string{"lodahs": "1.0.0", "native": "1.0.0", "net": "2.0.0"})

	_, err := f.installer(dir).Audit(context.Background())
	assert.ErrorIs(t, err, install.ErrNoLockfile)

	_, err = f.run(dir)
	require.NoError(t, err)

	report, err := f.installer(dir).Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Packages)
	assert.Equal(t, []string{"native@1.0.0"}, report.ScriptsBlocked)

	names := findings(report, install.CheckName)
	require.NotEmpty(t, names)
	assert.Equal(t, "lodahs", names[0].Package)
	assert.Contains(t, names[0].Message, `"lodash"`)

	perms := findings(report, install.CheckPermissions)
	require.Len(t, perms, 1)
	assert.Equal(t, "net", perms[0].Package)
	assert.Equal(t, "2.0.0", perms[0].Version)
	assert.Contains(t, perms[0].Message, "network")
	assert.False(t, report.Blocking())

	f.cfg.Security.StrictPermissions = true
	f.cfg.Security.TrustedPackages = []string{"native"}
	report, err = f.installer(dir).Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Blocking())
	assert.Empty(t, report.ScriptsBlocked)
	assert.Equal(t, []string{"native@1.0.0"}, report.ScriptsAllowed)
}

func TestAudit_MetadataUnavailable(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)

	f.srv.SetStatus("a", 404)
	report, err := f.installer(dir).Audit(context.Background())
	require.NoError(t, err)
	assert.Len(t, findings(report, install.CheckMetadata), 1)
}
