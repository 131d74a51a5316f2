package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/config"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/credits"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/database"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/events"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/giftchat"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/gifts"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/idempotency"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/server"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const idempotencyPurgeInterval = time.Hour

var (
	cfgFile      string
	seedFilePath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kindred-api",
		Short: "Kindred companion chat backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed-personas",
		Short: "Import persona documents from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context())
		},
	}
	seedCmd.Flags().StringVar(&seedFilePath, "file", "", "Path to a JSON array of persona documents")
	_ = seedCmd.MarkFlagRequired("file")

	setupFlags(rootCmd)
	rootCmd.AddCommand(seedCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Browser origins allowed to send credentialed requests")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("catalog-dir", defaults.GetString("catalog.dir"), "Directory holding gifts.json and animated-gifts.json")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the realtime relay")
	cmd.PersistentFlags().StringSlice("kafka-brokers", nil, "Kafka brokers for gift events")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "catalog.dir", "catalog-dir")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "events.kafka_brokers", "kafka-brokers")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// openStorage loads configuration and opens the migrated database.
func openStorage() (config.AppConfig, *zap.Logger, *gorm.DB, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	return appConfig, logger, db, nil
}

func runSeed(ctx context.Context) error {
	_, logger, db, err := openStorage()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	raw, err := os.ReadFile(seedFilePath)
	if err != nil {
		return err
	}
	var documents []map[string]any
	if err := json.Unmarshal(raw, &documents); err != nil {
		return fmt.Errorf("decode %s: %w", seedFilePath, err)
	}

	directory, err := personas.NewDirectory(personas.DirectoryConfig{
		Database: db,
		Logger:   logging.Component(logger, "personas"),
	})
	if err != nil {
		return err
	}
	imported, err := directory.ImportDocuments(ctx, documents)
	if err != nil {
		return err
	}
	logger.Info("personas imported", zap.Int("count", imported), zap.String("file", seedFilePath))
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, err := openStorage()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.New(appConfig.MetricsNamespace)
	idProvider := ids.NewUUIDProvider()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{Metrics: collector})
	var hub realtime.Hub = dispatcher
	if appConfig.RedisAddress != "" {
		relay, closeRelay, err := startRelay(signalCtx, appConfig, dispatcher, logger)
		if err != nil {
			return err
		}
		defer closeRelay()
		hub = relay
	}

	var notifier events.Notifier = events.NopNotifier{}
	if len(appConfig.KafkaBrokers) > 0 {
		producer, err := events.NewSyncProducer(appConfig.KafkaBrokers)
		if err != nil {
			return err
		}
		kafkaNotifier, err := events.NewKafkaNotifier(events.KafkaConfig{
			Producer: producer,
			Topic:    appConfig.GiftTopic,
			Logger:   logging.Component(logger, "events"),
		})
		if err != nil {
			_ = producer.Close()
			return err
		}
		defer kafkaNotifier.Close() //nolint:errcheck
		notifier = kafkaNotifier
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   logging.Component(logger, "users"),
	})
	if err != nil {
		return err
	}
	ledger, err := credits.NewLedger(credits.LedgerConfig{
		Database:   db,
		Resolver:   userService,
		IDProvider: idProvider,
		Logger:     logging.Component(logger, "credits"),
		Metrics:    collector,
	})
	if err != nil {
		return err
	}
	directory, err := personas.NewDirectory(personas.DirectoryConfig{
		Database:               db,
		IDProvider:             idProvider,
		Logger:                 logging.Component(logger, "personas"),
		Metrics:                collector,
		SmartFetchLimit:        appConfig.SmartFetchLimit,
		ServerSideGenderFilter: appConfig.ServerSideGenderFilter,
	})
	if err != nil {
		return err
	}

	var catalogSource fs.FS
	if appConfig.CatalogDir != "" {
		catalogSource = os.DirFS(appConfig.CatalogDir)
	}
	catalog := gifts.NewCatalog(gifts.CatalogConfig{
		Source: catalogSource,
		Logger: logging.Component(logger, "catalog"),
	})
	giftService, err := gifts.NewService(gifts.ServiceConfig{
		Database:   db,
		Catalog:    catalog,
		Ledger:     ledger,
		Recipients: directory,
		IDProvider: idProvider,
		Publisher:  hub,
		Metrics:    collector,
		Logger:     logging.Component(logger, "gifts"),
	})
	if err != nil {
		return err
	}
	conversationService, err := conversations.NewService(conversations.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Hub:        hub,
		Logger:     logging.Component(logger, "conversations"),
	})
	if err != nil {
		return err
	}
	chat, err := giftchat.NewService(giftchat.ServiceConfig{
		Gifts:         giftService,
		Senders:       userService,
		Conversations: conversationService,
		PersonaStats:  directory,
		Notifier:      notifier,
		Logger:        logging.Component(logger, "giftchat"),
	})
	if err != nil {
		return err
	}
	store, err := idempotency.NewStore(idempotency.StoreConfig{
		Database:   db,
		IDProvider: idProvider,
		TTL:        appConfig.IdempotencyTTL,
		Logger:     logging.Component(logger, "idempotency"),
		Metrics:    collector,
	})
	if err != nil {
		return err
	}
	go purgeIdempotencyKeys(signalCtx, store, logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          validator,
		Users:             userService,
		Ledger:            ledger,
		Catalog:           catalog,
		Gifts:             giftService,
		GiftChat:          chat,
		Personas:          directory,
		Conversations:     conversationService,
		Idempotency:       store,
		Metrics:           collector,
		Logger:            logging.Component(logger, "http"),
		HeartbeatInterval: appConfig.HeartbeatInterval,
		AllowedOrigins:    appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// startRelay connects to Redis and mirrors realtime events between instances
// until ctx ends.
func startRelay(ctx context.Context, appConfig config.AppConfig, dispatcher *realtime.Dispatcher, logger *zap.Logger) (*realtime.RedisRelay, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	origin, err := ids.NewUUIDProvider().NewID()
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	relay, err := realtime.NewRedisRelay(realtime.RelayConfig{
		Client:        client,
		Local:         dispatcher,
		ChannelPrefix: appConfig.ChannelPrefix,
		Origin:        origin,
		Logger:        logging.Component(logger, "relay"),
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime relay stopped", zap.Error(err))
		}
	}()
	return relay, func() { _ = client.Close() }, nil
}

func purgeIdempotencyKeys(ctx context.Context, store *idempotency.Store, logger *zap.Logger) {
	ticker := time.NewTicker(idempotencyPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency keys purged", zap.Int64("removed", removed))
			}
		}
	}
}
