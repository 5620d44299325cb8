package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"run", "harvest", "transform", "aggregate", "status", "check", "serve", "index", "grids"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "granule-sync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("datasets")
	require.NotNil(t, flag, "run command should have --datasets flag")

	steps := runCmd.Flags().Lookup("steps")
	require.NotNil(t, steps, "run command should have --steps flag")
	assert.Equal(t, "harvest,transform,aggregate", steps.DefValue)
}

func TestStepCommands_Flags(t *testing.T) {
	for _, c := range []string{"harvest", "transform", "aggregate"} {
		sub, _, err := rootCmd.Find([]string{c})
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup("datasets"), "%s should have --datasets flag", c)
		assert.Nil(t, sub.Flags().Lookup("steps"), "%s should not have --steps flag", c)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, flag, "serve command should have --addr flag")
	assert.Equal(t, "", flag.DefValue)
}

func TestCheckCommand_Flags(t *testing.T) {
	flag := checkCmd.Flags().Lookup("watch")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestStatusCommand_HasGranules(t *testing.T) {
	sub, _, err := rootCmd.Find([]string{"status", "granules"})
	require.NoError(t, err)
	assert.Equal(t, "granules", sub.Name())
	assert.NotNil(t, sub.Flags().Lookup("failed"))
}

func TestGridsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range gridsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["register"])
}
