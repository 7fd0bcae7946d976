package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"

	"zapdesk/config"
	"zapdesk/internal/adapters/evolution"
	responderadapter "zapdesk/internal/adapters/responder"
	"zapdesk/internal/adapters/wuzapi"
	"zapdesk/internal/db"
	"zapdesk/internal/delivery"
	"zapdesk/internal/handoff"
	"zapdesk/internal/health"
	"zapdesk/internal/instances"
	"zapdesk/internal/media"
	"zapdesk/internal/normalizer"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
	"zapdesk/pkg/logger"
)

var (
	connectName = flag.String("connect", "", "pair the named instance, print its QR code and exit")
	connectOrg  = flag.String("org", "", "organization owning the instance for -connect")
	connectUser = flag.String("user", "", "user owning the instance for -connect")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.InitLogger("info", "console")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	conn, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	st := store.New(conn)
	defer st.Close()

	gw, err := evolution.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway client")
	}

	if *connectName != "" {
		if err := connectAndPrint(st, gw, *connectOrg, *connectUser, *connectName); err != nil {
			log.Fatal().Err(err).Str("instance", *connectName).Msg("Pairing failed")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := notifier.NewHub()
	go hub.Run(ctx)
	sinks := notifier.Multi{hub}
	if cfg.RabbitMQURL != "" {
		rabbit, err := notifier.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer rabbit.Close()
		sinks = append(sinks, rabbit)
	}

	manager := instances.NewManager(st, gw, sinks)
	worker := delivery.NewWorker(st, gw, sinks, delivery.Config{
		PollInterval:   cfg.Queue.PollInterval,
		BatchSize:      cfg.Queue.BatchSize,
		Retention:      cfg.Queue.Retention,
		RetentionSweep: cfg.Queue.RetentionSweep,
		Policy:         delivery.RetryPolicy{MaxRetries: cfg.Queue.MaxRetries, Base: cfg.Queue.BaseBackoff},
	})
	machine := handoff.NewMachine(st, worker, sinks, handoff.Config{TransferMessage: cfg.Handoff.Message})
	monitor := health.NewMonitor(st, gw, manager, sinks, health.Config{
		CheckInterval:          cfg.Health.CheckInterval,
		AlertThreshold:         cfg.Health.AlertThreshold,
		MaxConsecutiveFailures: cfg.Health.MaxConsecutiveFailures,
		AutoReconnect:          cfg.Health.AutoReconnect,
	})

	opts := []normalizer.Option{normalizer.WithReconnectTracker(monitor)}
	if cfg.ResponderURL != "" {
		rc, err := responderadapter.NewClient(cfg.ResponderURL, cfg.ResponderAPIKey, cfg.GatewayTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize responder client")
		}
		opts = append(opts, normalizer.WithResponder(rc))
	} else {
		log.Warn().Msg("RESPONDER_URL not set, automated replies are disabled")
	}
	if cfg.S3.Enabled {
		ms, err := media.NewS3Store(media.S3Config{
			Endpoint:      cfg.S3.Endpoint,
			Region:        cfg.S3.Region,
			Bucket:        cfg.S3.Bucket,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			PathStyle:     cfg.S3.PathStyle,
			PublicURL:     cfg.S3.PublicURL,
			RetentionDays: cfg.S3.RetentionDays,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 media store")
		}
		if err := ms.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("S3 bucket not reachable, uploads may fail")
		}
		opts = append(opts, normalizer.WithMediaStore(ms))
	}
	norm := normalizer.New(st, machine, worker, sinks, normalizer.Config{
		HandoffKeywords: cfg.Handoff.Keywords,
		FragmentMax:     cfg.Handoff.ReplyFragmentMax,
	}, opts...)

	srv := newServer(&server{
		store:         st,
		instances:     manager,
		worker:        worker,
		handoff:       machine,
		health:        monitor,
		normalizer:    norm,
		hub:           hub,
		webhookSecret: cfg.WebhookSecret,
	}, evolution.NewDecoder(), wuzapi.NewDecoder())
	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set, webhook signatures are not checked")
	}

	go worker.Run(ctx)
	go monitor.Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}

// connectAndPrint pairs an instance from the command line and draws the QR
// code on the terminal.
func connectAndPrint(st *store.Store, gw *evolution.Client, orgID, userID, name string) error {
	if orgID == "" {
		return errors.New("-org is required with -connect")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := instances.NewManager(st, gw, nil).Connect(ctx, orgID, userID, name)
	if err != nil {
		return err
	}
	code := res.Instance.PairingCode
	if res.QRCode == "" || code == "" {
		fmt.Printf("Instance %s is already paired (state %s)\n", name, res.Instance.State)
		return nil
	}
	fmt.Printf("Scan this code with WhatsApp to pair %s:\n", name)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	if res.Pairing != "" {
		fmt.Printf("Or enter pairing code %s on the phone\n", res.Pairing)
	}
	return nil
}
