// Command crosspost runs the multi-channel content distribution service: the
// HTTP API, the job scheduler and orchestrator, the channel publishers with
// their resilience layer, and the cache invalidation coordinator.
//
// Configuration comes from an optional YAML file (-config) with CROSSPOST_*
// environment overrides. External connections:
//
//	REDIS_URL      - Redis address for the shared cache tier and the Pulse
//	                 event stream (optional)
//	REDIS_PASSWORD - Redis password (optional)
//	MONGO_URL      - MongoDB connection string for durable job history
//	                 (optional; in-memory store when unset)
//	MONGO_DB       - MongoDB database name (default: "crosspost")
//	CRM_URL        - email CRM endpoint (optional; log stand-in when unset)
//	WEB_URL        - website platform endpoint (optional)
//	SOCIAL_URL     - social posting endpoint shared by the networks (optional)
//	BACKEND_API_KEY    - bearer token for the backend endpoints (optional)
//	CROSSPOST_RECIPIENTS - comma-separated email recipient list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/api"
	"github.com/crosspost-io/crosspost/backend"
	"github.com/crosspost-io/crosspost/cache"
	"github.com/crosspost-io/crosspost/config"
	"github.com/crosspost-io/crosspost/content"
	"github.com/crosspost-io/crosspost/events"
	pulsesink "github.com/crosspost-io/crosspost/events/pulse"
	"github.com/crosspost-io/crosspost/job"
	jobinmem "github.com/crosspost-io/crosspost/job/inmem"
	jobmongo "github.com/crosspost-io/crosspost/job/mongo"
	"github.com/crosspost-io/crosspost/orchestrate"
	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/publish/email"
	"github.com/crosspost-io/crosspost/publish/resilient"
	"github.com/crosspost-io/crosspost/publish/social"
	"github.com/crosspost-io/crosspost/publish/web"
	"github.com/crosspost-io/crosspost/render"
	"github.com/crosspost-io/crosspost/schedule"
	"github.com/crosspost-io/crosspost/source"
	"github.com/crosspost-io/crosspost/telemetry"
)

func main() {
	var (
		addrF       = flag.String("http-addr", ":8080", "HTTP listen address")
		configF     = flag.String("config", "", "Path to YAML configuration file")
		contentDirF = flag.String("content-dir", "", "Directory of content documents (in-memory source when unset)")
		dbgF        = flag.Bool("debug", false, "Enable debug logs and debug endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *addrF, *configF, *contentDirF, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, addr, configPath, contentDir string, dbg bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	guard := publish.NewDryRunGuard(cfg.DryRunMode)
	log.Print(ctx, log.KV{K: "msg", V: "starting crosspost"}, log.KV{K: "addr", V: addr},
		log.KV{K: "dry_run_mode", V: guard.Enabled()})

	metrics := telemetry.New()

	// Optional Redis: shared cache tier and Pulse event streams.
	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "redis connected"}, log.KV{K: "addr", V: redisURL})
	}

	// Job store: MongoDB when configured, in-memory otherwise.
	var (
		store   job.Store
		sweep   schedule.SweepFunc
		pingers []health.Pinger
	)
	if mongoURL := os.Getenv("MONGO_URL"); mongoURL != "" {
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(mongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer client.Disconnect(context.Background())
		mstore, err := jobmongo.New(jobmongo.Options{
			Client:   client,
			Database: envOr("MONGO_DB", "crosspost"),
		})
		if err != nil {
			return fmt.Errorf("init mongo job store: %w", err)
		}
		store = mstore
		pingers = append(pingers, mstore)
		retention := cfg.RetentionWindow()
		sweep = func(ctx context.Context) (int, error) { return mstore.Sweep(ctx, retention) }
		log.Print(ctx, log.KV{K: "msg", V: "mongo job store ready"})
	} else {
		istore := jobinmem.New(jobinmem.WithRetention(cfg.RetentionWindow()))
		store = istore
		sweep = func(context.Context) (int, error) { return istore.Sweep(), nil }
	}

	// Content source and validation pipeline.
	var src source.ContentSource
	if contentDir != "" {
		src = source.NewDir(contentDir)
	} else {
		src = source.NewStatic()
	}
	validator, err := content.NewValidator(publish.Channels())
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}
	tone := content.NewToneManager(map[string]content.Tone{
		publish.ChannelTwitter:  content.ToneCasual,
		publish.ChannelFacebook: content.ToneCommunity,
		publish.ChannelLinkedIn: content.ToneProfessional,
	})
	renderer := &render.Basic{
		BaseURL:    cfg.BaseURL,
		Recipients: splitList(os.Getenv("CROSSPOST_RECIPIENTS")),
	}

	// Channel publishers wrapped in the resilience layer. Every channel has
	// its own circuit breaker; the dead-letter queue is shared.
	registry := publish.NewRegistry()
	dlq := resilient.NewDeadLetter(1024)
	circuits := make(map[string]*resilient.Breaker)
	apiKey := os.Getenv("BACKEND_API_KEY")

	var crm email.CRM = backend.NewLogBackend(publish.ChannelEmail)
	if u := os.Getenv("CRM_URL"); u != "" {
		crm = backend.NewCRM(backend.NewClient(u, apiKey, nil))
	}
	emailPub, err := email.New(crm)
	if err != nil {
		return err
	}

	var platform web.Platform = backend.NewLogBackend(publish.ChannelWeb)
	if u := os.Getenv("WEB_URL"); u != "" {
		platform = backend.NewPlatform(backend.NewClient(u, apiKey, nil))
	}
	webPub, err := web.New(platform)
	if err != nil {
		return err
	}

	socials := make(map[string]publish.Publisher, 3)
	for _, network := range []string{publish.ChannelTwitter, publish.ChannelLinkedIn, publish.ChannelFacebook} {
		var sapi social.API = backend.NewLogBackend(network)
		if u := os.Getenv("SOCIAL_URL"); u != "" {
			sapi = backend.NewSocial(backend.NewClient(u, apiKey, nil), network)
		}
		pub, err := social.New(network, sapi)
		if err != nil {
			return err
		}
		socials[network] = pub
	}

	inner := []publish.Publisher{emailPub, webPub}
	for _, pub := range socials {
		inner = append(inner, pub)
	}
	for _, pub := range inner {
		breaker := resilient.NewBreaker(cfg.BreakerConfig())
		channel := pub.Channel()
		breaker.OnTransition(func(from, to resilient.CircuitState) {
			log.Print(ctx, log.KV{K: "msg", V: "circuit transition"}, log.KV{K: "channel", V: channel},
				log.KV{K: "from", V: from.String()}, log.KV{K: "to", V: to.String()})
			metrics.IncCounter("circuit_transitions", 1, "channel", channel, "to", to.String())
		})
		circuits[channel] = breaker
		wrapped := resilient.Wrap(pub,
			resilient.WithRetryConfig(cfg.RetryConfig()),
			resilient.WithBreaker(breaker),
			resilient.WithDeadLetter(dlq),
			resilient.WithRequestTimeout(cfg.RequestTimeout()),
		)
		if err := registry.Register(wrapped); err != nil {
			return err
		}
	}

	// Rate limiting from static channel limits with config overrides.
	limiter := schedule.NewRateLimiter(time.Duration(cfg.Scheduler.RateDeferralS) * time.Second)
	limiter.FromLimits(registry)
	for channel, perHour := range cfg.ChannelRateLimits {
		burst := 1
		if pub, ok := registry.Get(channel); ok {
			burst = pub.Limits().BatchSize
		}
		limiter.SetChannel(channel, perHour, burst)
	}

	// Event bus with the metrics subscriber and the optional Pulse sink.
	bus := events.NewBus()
	if _, err := bus.Register(events.SubscriberFunc(func(_ context.Context, ev events.JobEvent) error {
		metrics.IncCounter("job_events", 1, "phase", string(ev.Phase))
		return nil
	}), events.WithOverflow(events.DropOldest)); err != nil {
		return err
	}
	if rdb != nil {
		sink, err := pulsesink.New(pulsesink.Options{Redis: rdb, StreamMaxLen: 1000})
		if err != nil {
			return fmt.Errorf("init pulse sink: %w", err)
		}
		if _, err := bus.Register(sink, events.WithQueueSize(1024)); err != nil {
			return err
		}
	}

	// Content cache and invalidation tiers per configuration.
	local := cache.NewContentCache(
		cache.WithDefaultTTL(time.Duration(cfg.Cache.DefaultTTLS)*time.Second),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
	)

	// Orchestrator and scheduler reference each other: the scheduler admits
	// and releases jobs, the orchestrator executes them.
	orch := orchestrate.New(store, registry, src, validator, tone, renderer, bus, guard,
		orchestrate.WithJobDeadline(cfg.JobDeadline()),
		orchestrate.WithRateLimiter(limiter),
		orchestrate.WithMetrics(metrics),
		orchestrate.WithContentCache(local),
	)
	scheduler := schedule.New(store, orch, schedule.Config{
		PollInterval: time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
		Workers:      cfg.MaxConcurrentJobs,
	})
	orch.SetAdmitter(scheduler)

	var tiers []cache.Tier
	if cfg.TierEnabled("local") {
		tiers = append(tiers, cache.NewLocalTier(local))
	}
	if cfg.TierEnabled("shared") && rdb != nil {
		tiers = append(tiers, cache.NewRedisTier(rdb, ""))
	}
	if cfg.TierEnabled("cdn") && cfg.Cache.CDNPurgeURL != "" {
		tiers = append(tiers, cache.NewPurgeTier("cdn", cfg.Cache.CDNPurgeURL, nil))
	}
	if cfg.TierEnabled("api") && cfg.Cache.APIPurgeURL != "" {
		tiers = append(tiers, cache.NewPurgeTier("api", cfg.Cache.APIPurgeURL, nil))
	}
	coordinator := cache.NewCoordinator(tiers)

	svc := api.New(api.Options{
		Orchestrator: orch,
		Store:        store,
		Validator:    validator,
		Source:       src,
		Bus:          bus,
		Coordinator:  coordinator,
		DeadLetter:   dlq,
		Registry:     registry,
		Circuits:     circuits,
		Guard:        guard,
		Pingers:      pingers,
	})

	// Run the loops and the HTTP server until a signal or a server error.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Start(runCtx)
	}()
	janitor := schedule.NewJanitor(time.Duration(cfg.Retention.SweepIntervalS)*time.Second, sweep)
	go func() {
		defer wg.Done()
		janitor.Start(runCtx)
	}()

	srv := &http.Server{Addr: addr, Handler: svc.Handler(ctx, dbg), ReadHeaderTimeout: 60 * time.Second}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	reason := <-errc
	log.Printf(ctx, "shutting down: %v", reason)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
	}
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
