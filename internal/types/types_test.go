package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, s := range []string{"view", "edit", "admin", "cluster-admin", "custom"} {
		r, err := ParseRole(s)
		require.NoError(t, err)
		assert.Equal(t, Role(s), r)
	}

	_, err := ParseRole("root")
	assert.Error(t, err)
}

func TestClusterRole(t *testing.T) {
	assert.Equal(t, "cluster-admin", RoleClusterAdmin.ClusterRole("ignored"))
	assert.Equal(t, "view", RoleView.ClusterRole(""))
	assert.Equal(t, "policy-reader", RoleCustom.ClusterRole("policy-reader"))
}
