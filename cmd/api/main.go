package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/abuse"
	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/config"
	"github.com/madfam-io/plinto-sub006/internal/credential"
	"github.com/madfam-io/plinto-sub006/internal/federation"
	"github.com/madfam-io/plinto-sub006/internal/httpapi"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/mfa"
	"github.com/madfam-io/plinto-sub006/internal/notify"
	"github.com/madfam-io/plinto-sub006/internal/obs"
	"github.com/madfam-io/plinto-sub006/internal/rbac"
	"github.com/madfam-io/plinto-sub006/internal/session"
	"github.com/madfam-io/plinto-sub006/internal/store/pg"
	"github.com/madfam-io/plinto-sub006/internal/stream"
	"github.com/madfam-io/plinto-sub006/internal/token"
)

var version = "0.1.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, "")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// Stores. Without a DSN everything runs in memory, which is enough for
	// local development but loses state on restart.
	var (
		store       *pg.Store
		identities  identity.Store
		credentials identity.CredentialStore
		factors     identity.FactorStore
		sessStore   session.Store
		famStore    token.FamilyStore
		grantStore  rbac.Store
		provStore   federation.ProviderStore
		auditStore  audit.Store
	)
	if cfg.PostgresDSN != "" {
		store, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		ids := store.Identities()
		identities, credentials, factors = ids, ids, ids
		sessStore = store.Sessions()
		famStore = store.TokenFamilies()
		grantStore = store.Grants()
		provStore = store.Providers()
		auditStore = store.AuditChain()
	} else {
		log.Println("PLINTO_PG_DSN not set, using in-memory stores")
		mem := identity.NewInMemory()
		identities, credentials, factors = mem, mem, mem
		sessStore = session.NewInMemory()
		famStore = token.NewInMemory()
		grantStore = rbac.NewInMemory()
		provStore = federation.NewInMemoryProviders()
		auditStore = audit.NewInMemory()
	}

	var (
		c          cache.Cache
		cacheProbe httpapi.Pinger
	)
	if cfg.RedisAddr != "" {
		rc, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Fatalf("dial redis: %v", err)
		}
		c = rc
		cacheProbe = rc
	} else {
		log.Println("PLINTO_REDIS_ADDR not set, using in-memory cache")
		c = cache.NewMemory()
	}

	ledger, err := audit.NewLedger(auditStore)
	if err != nil {
		log.Fatalf("audit ledger: %v", err)
	}

	verifier, err := credential.NewVerifier(identities, credentials, c)
	if err != nil {
		log.Fatalf("credential verifier: %v", err)
	}
	passkeys, err := credential.NewPasskeys(credential.PasskeyConfig{
		RPID:     cfg.WebAuthnRPID,
		RPName:   cfg.WebAuthnRPName,
		RPOrigin: cfg.WebAuthnRPOrigin,
	}, identities, credentials, c)
	if err != nil {
		log.Fatalf("passkeys: %v", err)
	}
	engine, err := mfa.NewEngine(factors, c, notify.LogDispatcher{}, cfg.Issuer,
		mfa.WithChallengeTTL(cfg.ChallengeTTL))
	if err != nil {
		log.Fatalf("mfa engine: %v", err)
	}

	registry := token.NewRegistry(token.WithKeyOverlap(cfg.KeyOverlap))
	var sessions *session.Manager
	tokens, err := token.NewService(famStore, registry, c, ledger,
		token.WithIssuer(cfg.Issuer),
		token.WithAudience(cfg.Audience),
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
		token.WithRevokeHook(func(ctx context.Context, tenantID, sessionID string) {
			if sessions != nil {
				_ = sessions.Revoke(ctx, sessionID, session.ReasonTokenReplay)
			}
		}),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	sessions, err = session.NewManager(sessStore, tokens, ledger,
		session.WithMaxAge(cfg.SessionMaxAge))
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	authz, err := rbac.NewEvaluator(grantStore)
	if err != nil {
		log.Fatalf("rbac evaluator: %v", err)
	}
	fed, err := federation.NewHandler(provStore, identities, grantStore, c, ledger, cfg.BaseURL)
	if err != nil {
		log.Fatalf("federation handler: %v", err)
	}
	guard, err := abuse.NewGuard(c, ledger, abuse.Config{
		Window:    cfg.AbuseWindow,
		Threshold: cfg.AbuseThreshold,
		Cooldown:  cfg.AbuseCooldown,
	})
	if err != nil {
		log.Fatalf("abuse guard: %v", err)
	}

	events := stream.New()

	rp := httpapi.ReadyProbe{Cache: cacheProbe}
	if store != nil {
		rp.DB = store.DB()
	}
	api := httpapi.New(rp, version, httpapi.Services{
		Identities:  identities,
		Credentials: credentials,
		Factors:     factors,
		Verifier:    verifier,
		Passkeys:    passkeys,
		MFA:         engine,
		Tokens:      tokens,
		Keys:        registry,
		Sessions:    sessions,
		Federation:  fed,
		Providers:   provStore,
		Authz:       authz,
		Ledger:      ledger,
		Events:      events,
		Guard:       guard,
	})
	api.SetRateLimit(cfg.RateLimitBurst, cfg.RateLimitPerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting plinto-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	ledger.Close()
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
