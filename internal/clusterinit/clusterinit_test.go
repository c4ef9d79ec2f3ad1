package clusterinit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeBootstrap(t *testing.T, boot Bootstrap) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster-init.json")
	raw, err := json.Marshal(boot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestReadBootstrapRoundTrip(t *testing.T) {
	path := writeBootstrap(t, Bootstrap{
		Name:           "api.example.com",
		DoseiPublicKey: "ssh-ed25519 AAAA...",
		Accounts: []BootstrapAccount{
			{Name: "alice", SSHKeys: []string{"ssh-ed25519 AAAB..."}},
		},
	})

	boot, err := readBootstrap(path)
	require.NoError(t, err)
	require.Equal(t, "api.example.com", boot.Name)
	require.Len(t, boot.Accounts, 1)
	require.Equal(t, "alice", boot.Accounts[0].Name)
}

func TestReadBootstrapRejectsMissingFields(t *testing.T) {
	path := writeBootstrap(t, Bootstrap{Name: "api.example.com"})

	_, err := readBootstrap(path)
	require.Error(t, err)
}

func TestReadBootstrapMissingFile(t *testing.T) {
	_, err := readBootstrap("/nonexistent/cluster-init.json")
	require.Error(t, err)
}

func TestDashboardImagePinsVersion(t *testing.T) {
	i := &Init{version: "1.4.0"}
	require.Equal(t, "doseidotio/dashboard:1.4.0", i.dashboardImage())
}
