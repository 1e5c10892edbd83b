package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/mastodon/mastodon-sub071/audience"
	"github.com/mastodon/mastodon-sub071/db"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/fanout"
	"github.com/mastodon/mastodon-sub071/metrics"
	"github.com/mastodon/mastodon-sub071/pool"
	"github.com/mastodon/mastodon-sub071/provider"
	"github.com/mastodon/mastodon-sub071/signature"
	"github.com/mastodon/mastodon-sub071/streaming"
	"github.com/mastodon/mastodon-sub071/util"
	"github.com/mastodon/mastodon-sub071/web"
	"github.com/mastodon/mastodon-sub071/worker"
	"github.com/rs/zerolog/log"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read configuration")
	}
	util.NewLogger(conf.Conf.LogLevel, conf.Conf.LogJson)
	log.Info().Str("version", util.GetNameAndVersion()).Msg("Starting")
	log.Debug().Msgf("Configuration: %s", util.PrettyPrint(conf))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
	log.Info().Msg("Stopped")
}

func run(ctx context.Context, conf *util.AppConfig) error {
	database, err := db.Open(conf.Conf.DbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	redisClient, err := streaming.NewClient(ctx, conf)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	hub := streaming.NewHub(redisClient)

	m := metrics.New(nil)
	base := conf.BaseURL()

	// every outbound request shares one connection ceiling
	httpClient := pool.NewHTTPClient(pool.NewSharedCounter(conf.Conf.Pool.Ceiling), pool.HTTPConfig{
		CheckoutTimeout: conf.Conf.Pool.CheckoutTimeout,
		RequestTimeout:  conf.Conf.Pool.RequestTimeout,
		MaxIdlePerHost:  conf.Conf.Pool.MaxIdlePerHost,
		IdleTimeout:     conf.Conf.Pool.IdleTimeout,
		UserAgent:       util.UserAgent(conf.Conf.SslDomain),
		Metrics:         m,
	})
	defer httpClient.Close()
	exchange := signature.New(conf.Conf.Signature.MaxSkew, m)

	dispatcher := fanout.NewDispatcher(hub, database, database, streaming.NewDeduper(redisClient, conf.Conf.Fanout.DedupeTTL), m)
	processor := audience.NewProcessor(database)
	outbox := activitypub.NewOutbox(database, base)
	inbox := activitypub.NewInbox(database, activitypub.NewActors(database, httpClient), processor, dispatcher, outbox)

	serverKeyPem, err := util.LoadOrCreateServerKey(util.ResolveFilePath(conf.Conf.Signature.KeyFile))
	if err != nil {
		return err
	}
	serverKey, err := signature.ParsePrivateKey(serverKeyPem)
	if err != nil {
		return err
	}

	w := worker.New(database, worker.Config{
		Interval:    conf.Conf.Worker.Interval,
		BatchSize:   conf.Conf.Worker.BatchSize,
		MaxAttempts: conf.Conf.Worker.MaxAttempts,
		Metrics:     m,
	})
	feeds := worker.NewFeedHandler(database, hub)
	w.Register(domain.JobHomeFeed, feeds)
	w.Register(domain.JobListFeed, feeds)
	w.Register(domain.JobPush, worker.NewPushHandler(database, httpClient, exchange, signature.SigningKey{ID: base + "#push-key", Key: serverKey}))
	if conf.Conf.WithAp {
		w.Register(domain.JobInbox, activitypub.NewDeliverer(database, httpClient, base))
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	server := &web.Server{
		Conf:       conf,
		Store:      database,
		Inbox:      inbox,
		Outbox:     outbox,
		Audience:   processor,
		Dispatcher: dispatcher,
		Hub:        hub,
		Providers:  provider.NewRegistry(database),
		Provider:   provider.NewClient(httpClient, exchange),
		Exchange:   exchange,
		Metrics:    m,
	}
	srv := server.HTTPServer()

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting HTTP server on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
