package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/activitypub"
	"github.com/pikefed/pikefed/db"
	"github.com/pikefed/pikefed/domain"
	"github.com/pikefed/pikefed/kv"
	"github.com/pikefed/pikefed/util"
	"github.com/pikefed/pikefed/web"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("domain", conf.Conf.SslDomain),
		zap.Int("port", conf.Conf.HttpPort),
		zap.Int("workers", conf.Federation.Workers))

	database, err := db.Open("database.db")
	if err != nil {
		logger.Fatal("database open failed", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	// Counters, dedup markers and locks go to redis when configured so
	// multiple node processes share budgets; single-process setups run on
	// the in-memory store.
	var kvStore kv.Store
	if conf.Conf.RedisAddr != "" {
		kvStore = kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: conf.Conf.RedisAddr}))
		logger.Info("using redis kv store", zap.String("addr", conf.Conf.RedisAddr))
	} else {
		kvStore = kv.NewMemoryStore()
		logger.Info("using in-memory kv store")
	}

	fed := activitypub.NewFederator(database, kvStore, conf, logger)

	if err := ensureSystemActor(database, fed, logger); err != nil {
		logger.Fatal("system actor provisioning failed", zap.Error(err))
	}

	fed.Start()
	defer fed.Stop()

	server := web.NewServer(conf, database, fed, logger)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-done
	logger.Info("shutting down")
}

// ensureSystemActor provisions the instance service actor used for signed
// fetches. Created once, kept forever.
func ensureSystemActor(database *db.DB, fed *activitypub.Federator, logger *zap.Logger) error {
	err, existing := database.FindLocalActor(domain.KindUser, "system")
	if existing != nil {
		return nil
	}
	if err != nil && !activitypub.IsNotFound(err) {
		return err
	}

	logger.Info("creating system actor")
	keypair := util.GeneratePemKeypair()
	now := time.Now()
	actor := &domain.Actor{
		Id:            uuid.New(),
		Kind:          domain.KindUser,
		Name:          "system",
		ProfileURI:    fed.LocalActorURI(domain.KindUser, "system"),
		InboxURI:      fed.LocalActorURI(domain.KindUser, "system") + "/inbox",
		PublicKeyPem:  keypair.Public,
		PrivateKeyPem: keypair.Private,
		DisplayName:   "System",
		Summary:       "Instance service actor",
		LastFetchedAt: now,
		CreatedAt:     now,
	}
	return database.CreateActor(actor)
}
