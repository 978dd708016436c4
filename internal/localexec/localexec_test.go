package localexec

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
)

func TestExecuteSeesKubeconfig(t *testing.T) {
	e, err := New("apiVersion: v1\nkind: Config\n", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	info, err := os.Stat(e.KubeconfigPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	res, err := e.Execute(context.Background(), `cat "$KUBECONFIG"`, time.Second*5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "apiVersion: v1\nkind: Config\n", res.Stdout)
}

func TestExecuteReportsExitCodes(t *testing.T) {
	e, err := New("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	res, err := e.Execute(context.Background(), "echo boom >&2; exit 3", time.Second*5)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)

	res, err = e.Execute(context.Background(), "definitely-not-a-binary-xyz", time.Second*5)
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	e, err := New("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	start := time.Now()
	_, err = e.Execute(context.Background(), "exec sleep 5", 200*time.Millisecond)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCloseRemovesKubeconfig(t *testing.T) {
	e, err := New("secret", nil)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = os.Stat(e.KubeconfigPath())
	assert.True(t, os.IsNotExist(err))
}
