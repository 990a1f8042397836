package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "collvet", cmd.Use)
	assert.Contains(t, cmd.Long, "collective")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"verify", "cases", "report"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestVerifyCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	verifyCmd, _, err := cmd.Find([]string{"verify"})
	require.NoError(t, err)

	designFlag := verifyCmd.Flags().Lookup("comms")
	require.NotNil(t, designFlag)
	assert.Equal(t, "c", designFlag.Shorthand)
	assert.Equal(t, "tcp", designFlag.DefValue)

	simFlag := verifyCmd.Flags().Lookup("simulation")
	require.NotNil(t, simFlag)
	assert.Equal(t, "s", simFlag.Shorthand)
	assert.Equal(t, "false", simFlag.DefValue)

	hostFlag := verifyCmd.Flags().Lookup("host-file")
	require.NotNil(t, hostFlag)
	assert.Equal(t, "i", hostFlag.Shorthand)

	fpgaFlag := verifyCmd.Flags().Lookup("fpga-file")
	require.NotNil(t, fpgaFlag)
	assert.Equal(t, "f", fpgaFlag.Shorthand)

	masterFlag := verifyCmd.Flags().Lookup("master-address")
	require.NotNil(t, masterFlag)
	assert.Equal(t, "a", masterFlag.Shorthand)

	portFlag := verifyCmd.Flags().Lookup("master-port")
	require.NotNil(t, portFlag)
	assert.Equal(t, "p", portFlag.Shorthand)
	assert.Equal(t, "30505", portFlag.DefValue)

	rankFlag := verifyCmd.Flags().Lookup("rank")
	require.NotNil(t, rankFlag)
	assert.Equal(t, "-1", rankFlag.DefValue)

	gatherFlag := verifyCmd.Flags().Lookup("run-gather")
	require.NotNil(t, gatherFlag)
	assert.Equal(t, "false", gatherFlag.DefValue)
}

func TestCasesCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	casesCmd, _, err := cmd.Find([]string{"cases"})
	require.NoError(t, err)

	worldFlag := casesCmd.Flags().Lookup("world")
	require.NotNil(t, worldFlag)
	assert.Equal(t, "1", worldFlag.DefValue)

	countFlag := casesCmd.Flags().Lookup("count")
	require.NotNil(t, countFlag)
	assert.Equal(t, "16", countFlag.DefValue)
}

func TestReportCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	reportCmd, _, err := cmd.Find([]string{"report"})
	require.NoError(t, err)

	dbFlag := reportCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	// --db is required, so default is empty
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	// Test valid formats
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	// Test invalid formats
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "cases"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
