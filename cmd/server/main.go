package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PrismResearchLab/tracking_svc/internal/audit"
	"github.com/PrismResearchLab/tracking_svc/internal/config"
	"github.com/PrismResearchLab/tracking_svc/internal/httpapi"
	"github.com/PrismResearchLab/tracking_svc/internal/session"
	"github.com/PrismResearchLab/tracking_svc/internal/storage"
	"github.com/PrismResearchLab/tracking_svc/internal/task"
	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

const (
	commandUseName              = "server"
	commandShortDescription     = "Run the tracking server"
	commandLongDescription      = "Launch the marketing tracking and assessment session HTTP server"
	missingConfigurationMessage = "missing required configuration"
	loggerCreationErrorMessage  = "logger"
	logEventListening           = "listening"
	logFieldAddress             = "addr"
	logFieldEnvironment         = "env"

	flagNameApplicationAddress      = "app-addr"
	flagNameDatabaseDriver          = "db-driver"
	flagNameDatabaseDataSourceName  = "db-dsn"
	flagNameSessionSecret           = "session-secret"
	flagUsageApplicationAddress     = "address for the HTTP server to listen on"
	flagUsageDatabaseDriver         = "database driver (sqlite or postgres)"
	flagUsageDatabaseDataSourceName = "database connection string"
	flagUsageSessionSecret          = "secret for visitor cookie sessions"

	defaultApplicationAddress = ":8080"
	defaultDatabaseDriver     = storage.DriverNameSQLite

	loggerContextOpenDatabase = "open_db"
	loggerContextAutoMigrate  = "migrate"
	loggerContextServer       = "server"
	readHeaderTimeoutSeconds  = 5

	unexpectedArgumentsMessage    = "unexpected command arguments"
	commandInitializationFailure  = "failed to configure command"
	flagNotDefinedMessage         = "flag %s not defined"
	environmentConfigurationError = "failed to apply environment configuration"
)

// DatabaseOpener opens a database connection from a storage configuration.
type DatabaseOpener func(storage.Config) (*gorm.DB, error)

// ServerApplication constructs and executes the server command.
type ServerApplication struct {
	configurationLoader *viper.Viper
	databaseOpener      DatabaseOpener
}

// NewServerApplication creates a ServerApplication with default dependencies.
func NewServerApplication() *ServerApplication {
	return &ServerApplication{
		configurationLoader: viper.New(),
		databaseOpener:      storage.OpenDatabase,
	}
}

// WithDatabaseOpener overrides the database opener dependency.
func (application *ServerApplication) WithDatabaseOpener(databaseOpener DatabaseOpener) *ServerApplication {
	application.databaseOpener = databaseOpener
	return application
}

// Command builds the Cobra command for the server.
func (application *ServerApplication) Command() (*cobra.Command, error) {
	rootCommand := &cobra.Command{
		Use:   commandUseName,
		Short: commandShortDescription,
		Long:  commandLongDescription,
		RunE:  application.runCommand,
	}

	if configurationErr := application.configureCommand(rootCommand); configurationErr != nil {
		return nil, configurationErr
	}

	return rootCommand, nil
}

func (application *ServerApplication) configureCommand(command *cobra.Command) error {
	application.configurationLoader.SetDefault(config.EnvironmentKeyApplicationAddress, defaultApplicationAddress)
	application.configurationLoader.SetDefault(config.EnvironmentKeyDatabaseDriver, defaultDatabaseDriver)
	application.configurationLoader.SetDefault(config.EnvironmentKeyDatabaseDataSource, "")
	application.configurationLoader.SetDefault(config.EnvironmentKeySessionSecret, "")
	application.configurationLoader.AutomaticEnv()

	commandFlags := command.Flags()
	commandFlags.String(flagNameApplicationAddress, defaultApplicationAddress, flagUsageApplicationAddress)
	commandFlags.String(flagNameDatabaseDriver, defaultDatabaseDriver, flagUsageDatabaseDriver)
	commandFlags.String(flagNameDatabaseDataSourceName, "", flagUsageDatabaseDataSourceName)
	commandFlags.String(flagNameSessionSecret, "", flagUsageSessionSecret)

	flagBindings := []struct {
		environmentKey string
		flagName       string
	}{
		{config.EnvironmentKeyApplicationAddress, flagNameApplicationAddress},
		{config.EnvironmentKeyDatabaseDriver, flagNameDatabaseDriver},
		{config.EnvironmentKeyDatabaseDataSource, flagNameDatabaseDataSourceName},
		{config.EnvironmentKeySessionSecret, flagNameSessionSecret},
	}
	for _, binding := range flagBindings {
		if bindErr := application.bindFlag(commandFlags, binding.environmentKey, binding.flagName); bindErr != nil {
			return bindErr
		}
		if environmentErr := application.applyEnvironmentConfiguration(commandFlags, binding.environmentKey, binding.flagName); environmentErr != nil {
			return environmentErr
		}
	}

	if markErr := command.MarkFlagRequired(flagNameDatabaseDataSourceName); markErr != nil {
		return markErr
	}
	if markErr := command.MarkFlagRequired(flagNameSessionSecret); markErr != nil {
		return markErr
	}

	return nil
}

func (application *ServerApplication) bindFlag(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	flag := flagSet.Lookup(flagName)
	if flag == nil {
		return fmt.Errorf(flagNotDefinedMessage, flagName)
	}
	return application.configurationLoader.BindPFlag(environmentKey, flag)
}

func (application *ServerApplication) applyEnvironmentConfiguration(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	environmentValue, environmentFound := os.LookupEnv(environmentKey)
	if !environmentFound {
		return nil
	}
	if setErr := flagSet.Set(flagName, environmentValue); setErr != nil {
		return fmt.Errorf("%s: %w", environmentConfigurationError, setErr)
	}
	return nil
}

func (application *ServerApplication) runCommand(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return fmt.Errorf("%s: %s", unexpectedArgumentsMessage, strings.Join(arguments, " "))
	}

	configuration := config.Resolve(application.configurationLoader)
	if validationErr := ensureRequiredConfiguration(configuration); validationErr != nil {
		return validationErr
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return fmt.Errorf("%s: %w", loggerCreationErrorMessage, loggerErr)
	}
	defer func() {
		_ = logger.Sync()
	}()

	database, databaseErr := application.databaseOpener(storage.Config{
		DriverName:     configuration.DatabaseDriver,
		DataSourceName: configuration.DatabaseDataSourceName,
	})
	if databaseErr != nil {
		logger.Fatal(loggerContextOpenDatabase, zap.Error(databaseErr))
	}
	if migrateErr := storage.AutoMigrate(database); migrateErr != nil {
		logger.Fatal(loggerContextAutoMigrate, zap.Error(migrateErr))
	}

	pipeline := tracking.NewPipeline(0, 0)
	pipeline.Start(context.Background())
	defer pipeline.Stop()

	dispatcher := tracking.NewDispatcher(logger,
		tracking.NewGoogleSender(configuration.Vendors, pipeline, logger),
		tracking.NewPlausibleSender(configuration.Vendors, pipeline, logger),
		tracking.NewFacebookSender(configuration.Vendors, pipeline, logger),
		tracking.NewTwitterSender(configuration.Vendors, pipeline, logger),
		tracking.NewQuoraSender(configuration.Vendors, pipeline, logger),
		tracking.NewRedditSender(configuration.BackendBaseURL, configuration.BackendAnonKey, pipeline, logger),
		tracking.NewLinkedInSender(configuration.Vendors, configuration.BackendBaseURL, configuration.BackendAnonKey, pipeline, logger),
	)

	auditChannel := audit.NewEmailChannel(configuration.Email, logger)
	sessionService := session.NewService(database, auditChannel, logger, configuration.BackendBaseURL, configuration.BackendAnonKey)
	visitorState := httpapi.NewVisitorState(configuration.SessionSecret, configuration.IsPreview)

	cleanupJob := task.NewSessionCleanupJob(database, logger, task.SessionCleanupConfig{})
	cleanupScheduler := task.NewScheduler(configuration.SessionCleanupInterval, func(runCtx context.Context) {
		_, _ = cleanupJob.Run(runCtx)
	})
	cleanupScheduler.Start(context.Background())
	defer cleanupScheduler.Stop()

	router := httpapi.NewRouter(httpapi.RouterDependencies{
		Logger:             logger,
		VisitorState:       visitorState,
		TrackingHandlers:   httpapi.NewTrackingHandlers(visitorState, -1, tracking.NewCTATracker(dispatcher), dispatcher, logger),
		AssessmentHandlers: httpapi.NewAssessmentHandlers(sessionService, visitorState, dispatcher, logger),
		LinkedInProxy:      httpapi.NewLinkedInProxy(configuration.Vendors, logger),
		RedditProxy:        httpapi.NewRedditProxy(configuration.Vendors, logger),
	})

	httpServer := &http.Server{
		Addr:              configuration.ApplicationAddress,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeoutSeconds * time.Second,
	}

	logger.Info(logEventListening,
		zap.String(logFieldAddress, configuration.ApplicationAddress),
		zap.String(logFieldEnvironment, configuration.EnvironmentName()))
	if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Fatal(loggerContextServer, zap.Error(serveErr))
	}

	return nil
}

func ensureRequiredConfiguration(configuration config.Config) error {
	var missingParameters []string
	if configuration.DatabaseDataSourceName == "" {
		missingParameters = append(missingParameters, flagNameDatabaseDataSourceName)
	}
	if configuration.SessionSecret == "" {
		missingParameters = append(missingParameters, flagNameSessionSecret)
	}
	if len(missingParameters) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %s", missingConfigurationMessage, strings.Join(missingParameters, ", "))
}

func main() {
	application := NewServerApplication()
	rootCommand, commandErr := application.Command()
	if commandErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", commandInitializationFailure, commandErr)
		os.Exit(1)
	}

	if executeErr := rootCommand.Execute(); executeErr != nil {
		os.Exit(1)
	}
}
