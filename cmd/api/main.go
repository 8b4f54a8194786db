package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/config"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/httpapi"
	"phoenixvault.io/internal/notify"
	"phoenixvault.io/internal/obs"
	"phoenixvault.io/internal/store/memory"
	"phoenixvault.io/internal/store/pg"
	"phoenixvault.io/internal/throttle"
	"phoenixvault.io/internal/vault"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $PHOENIX_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(config.Options{Path: *configPath})
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.ConfigureLogger(os.Stdout, cfg.LogLevel)
	obs.Init()
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := envelope.LoadKeys(cfg.EnvelopeKeys())
	if err != nil {
		log.Fatal().Err(err).Msg("load encryption keys")
	}
	codec, err := envelope.New(keys)
	if err != nil {
		log.Fatal().Err(err).Msg("init envelope engine")
	}
	log.Info().Str("mode", codec.Mode()).Msg("envelope engine ready")
	obs.InitBuildInfo(version, commit, codec.Mode())

	var store vault.Store
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN, codec)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		if !cfg.Debug {
			log.Fatal().Msg("PHOENIX_PG_DSN is required unless DEBUG is enabled")
		}
		log.Warn().Msg("no database configured, using in-memory store")
		memStore, err := memory.New(codec)
		if err != nil {
			log.Fatal().Err(err).Msg("init memory store")
		}
		store = memStore
	}

	var transport notify.Transport
	if cfg.Mail.AMQPURL != "" {
		amqpTransport, err := notify.DialAMQP(cfg.Mail.AMQPURL, cfg.Mail.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("connect mail broker")
		}
		defer amqpTransport.Close()
		transport = amqpTransport
	}
	mailer := notify.New(transport, notify.WithFrom(cfg.Mail.From), notify.WithEnabled(cfg.Mail.Enabled))

	resolver, err := auth.NewResolver(store)
	if err != nil {
		log.Fatal().Err(err).Msg("init resolver")
	}
	svc, err := vault.NewService(store, resolver, vault.WithNotifier(mailer))
	if err != nil {
		log.Fatal().Err(err).Msg("init vault service")
	}

	challenges, err := auth.NewChallenges(store, cfg.Crypto.SecretKey, auth.WithChallengeTTL(cfg.ChallengeTTL()))
	if err != nil {
		log.Fatal().Err(err).Msg("init login challenges")
	}
	sessionTTL, _ := cfg.SessionTTL()
	sessions, err := auth.NewSessions(cfg.Crypto.SecretKey, sessionTTL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("init sessions")
	}
	policy, _ := cfg.LoginPolicy()
	authn, err := vault.NewAuthenticator(store, challenges, sessions, mailer, policy)
	if err != nil {
		log.Fatal().Err(err).Msg("init authenticator")
	}

	loginLimit, requestLimit := throttlePolicies(ctx, cfg)

	api, err := httpapi.New(httpapi.Options{
		Version:               version,
		Vault:                 svc,
		Auth:                  authn,
		LoginThrottle:         loginLimit,
		AccessRequestThrottle: requestLimit,
		AllowedOrigins:        cfg.AllowedOrigins,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init http api")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(httpapi.ReadyFunc(svc.Ready))

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http listen")
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("grpc listen")
		}
		go func() {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc serve")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info().Msg("stopped")
}

// throttlePolicies backs the limits with Redis when configured so that every
// replica shares the counters; otherwise each process counts on its own.
func throttlePolicies(ctx context.Context, cfg config.Config) (login, accessRequest *throttle.Policy) {
	burst, sustained, create := cfg.Rates()
	log := obs.Logger()

	if cfg.Redis.URL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := throttle.NewRedisClient(pingCtx, cfg.Redis.URL)
		if err == nil {
			return throttle.NewPolicy("login",
					throttle.NewRedis(client, "phoenix:throttle:login_burst", burst, nil),
					throttle.NewRedis(client, "phoenix:throttle:login_sustained", sustained, nil)),
				throttle.NewPolicy("access_request_create",
					throttle.NewRedis(client, "phoenix:throttle:access_request_create", create, nil))
		}
		log.Warn().Err(err).Msg("redis unavailable, throttling in process")
	}
	return throttle.NewPolicy("login", throttle.NewMemory(burst, nil), throttle.NewMemory(sustained, nil)),
		throttle.NewPolicy("access_request_create", throttle.NewMemory(create, nil))
}
