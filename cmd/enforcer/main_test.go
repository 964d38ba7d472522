package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatListenURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9810", formatListenURL(":9810"))
	assert.Equal(t, "http://127.0.0.1:9810", formatListenURL("127.0.0.1:9810"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "enforcer dev")
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{{"serve"}, {"tick"}, {"settle"}, {"status"}, {"rules", "list"}} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	assert.NotNil(t, settleCmd.Flags().Lookup("day"))
}
