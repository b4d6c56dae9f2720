package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

func TestCommandDefinesConfigurationFlags(testingT *testing.T) {
	application := NewServerApplication()
	command, commandErr := application.Command()
	require.NoError(testingT, commandErr)

	for _, flagName := range []string{
		flagNameApplicationAddress,
		flagNameDatabaseDriver,
		flagNameDatabaseDataSourceName,
		flagNameSessionSecret,
	} {
		require.NotNil(testingT, command.Flags().Lookup(flagName), "missing flag %s", flagName)
	}
}

func TestCommandBindsEnvironmentValues(testingT *testing.T) {
	testingT.Setenv(config.EnvironmentKeyApplicationAddress, ":9090")
	testingT.Setenv(config.EnvironmentKeyDatabaseDriver, "postgres")

	application := NewServerApplication()
	command, commandErr := application.Command()
	require.NoError(testingT, commandErr)

	addressFlag := command.Flags().Lookup(flagNameApplicationAddress)
	require.NotNil(testingT, addressFlag)
	require.Equal(testingT, ":9090", addressFlag.Value.String())

	driverFlag := command.Flags().Lookup(flagNameDatabaseDriver)
	require.NotNil(testingT, driverFlag)
	require.Equal(testingT, "postgres", driverFlag.Value.String())
}

func TestEnsureRequiredConfiguration(testingT *testing.T) {
	missingErr := ensureRequiredConfiguration(config.Config{})
	require.Error(testingT, missingErr)
	require.Contains(testingT, missingErr.Error(), flagNameDatabaseDataSourceName)
	require.Contains(testingT, missingErr.Error(), flagNameSessionSecret)

	require.NoError(testingT, ensureRequiredConfiguration(config.Config{
		DatabaseDataSourceName: "file:tracking.db",
		SessionSecret:          "secret-1",
	}))
}

func TestCommandRejectsPositionalArguments(testingT *testing.T) {
	application := NewServerApplication()
	runErr := application.runCommand(nil, []string{"unexpected"})
	require.Error(testingT, runErr)
	require.Contains(testingT, runErr.Error(), unexpectedArgumentsMessage)
}
