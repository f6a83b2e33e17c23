package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.Equal(t, "caps", cmd.Use)

	names := make([]string, 0, 2)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "terminal")

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestTerminalRequiresBackendURL(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"terminal", "--once"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend_url")
}
