package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/cache"
	"github.com/migadu/trove/config"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/db"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/retry"
	serverPkg "github.com/migadu/trove/server"
	"github.com/migadu/trove/server/delivery"
	"github.com/migadu/trove/server/httpapi"
	"github.com/migadu/trove/server/imap"
	"github.com/migadu/trove/server/pop3"
	"github.com/migadu/trove/server/relayqueue"
	"github.com/migadu/trove/server/smtp"
	"github.com/migadu/trove/storage"
	"github.com/migadu/trove/store"
)

// accountSource both authenticates users and answers recipient lookups.
type accountSource interface {
	auth.CredentialSource
	delivery.Directory
}

type serverDependencies struct {
	cfg       config.Config
	database  *db.Database
	blobCache *cache.Cache
	store     *store.Store
	verifier  auth.Verifier
	tokens    bool
	throttle  *auth.Throttle
	pipeline  *delivery.Pipeline
	queue     *relayqueue.DiskQueue
	worker    *relayqueue.Worker
	tlsConfig *tls.Config
	smtp      *smtp.Server
	imap      *imap.Server
	pop3      *pop3.Server
	http      *httpapi.Server
}

func initializeServices(ctx context.Context, cfg config.Config) (_ *serverDependencies, err error) {
	deps := &serverDependencies{cfg: cfg}
	defer func() {
		if err != nil {
			deps.close()
		}
	}()

	if cfg.Storage.Backend == "postgres" || cfg.Auth.Source == "database" {
		deps.database, err = db.NewDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
	}

	var backend store.Backend = store.NewMemoryBackend()
	if cfg.Storage.Backend == "postgres" {
		backend = deps.database
	}
	blobs, err := deps.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	maxMessageSize, err := cfg.Delivery.GetMaxMessageSize()
	if err != nil {
		return nil, err
	}
	deps.store = store.New(backend, blobs, store.Options{
		QuotaBytes:     cfg.Storage.DefaultQuotaMB << 20,
		MaxMessageSize: maxMessageSize,
	})
	logger.Info("Store initialized", "backend", cfg.Storage.Backend, "blobs", cfg.Storage.BlobBackend)

	var source accountSource = auth.NewStaticSource(cfg.Auth.Users)
	if cfg.Auth.Source == "database" {
		source = deps.database
	}
	var tokens auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		deps.tokens = true
	}
	deps.verifier = auth.NewBridge(source, tokens)

	window, err := cfg.Auth.GetThrottleWindow()
	if err != nil {
		return nil, fmt.Errorf("auth.throttle_window: %w", err)
	}
	block, err := cfg.Auth.GetThrottleBlock()
	if err != nil {
		return nil, fmt.Errorf("auth.throttle_block: %w", err)
	}
	delay, err := cfg.Auth.GetFailureDelay()
	if err != nil {
		return nil, fmt.Errorf("auth.failure_delay: %w", err)
	}
	deps.throttle = auth.NewThrottle(cfg.Auth.ThrottleMaxFailures, window, block, delay)
	deps.throttle.StartCleanup(ctx, time.Minute)

	if err := deps.initDelivery(source); err != nil {
		return nil, err
	}

	if cfg.TLS.Enabled() {
		deps.tlsConfig, err = serverPkg.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
	}
	if err := deps.initProtocolServers(maxMessageSize); err != nil {
		return nil, err
	}

	if cfg.HTTP.Addr != "" {
		opts := httpapi.ServerOptions{
			Addr:        cfg.HTTP.Addr,
			APIKey:      cfg.HTTP.APIKey,
			Checks:      map[string]httpapi.Pinger{},
			Queue:       deps.queue,
			Connections: map[string]httpapi.ConnectionCounter{},
		}
		if deps.database != nil {
			opts.Checks["database"] = deps.database
		}
		if deps.smtp != nil {
			opts.Connections[consts.ProtocolSMTP] = deps.smtp
		}
		if deps.imap != nil {
			opts.Connections[consts.ProtocolIMAP] = deps.imap
		}
		if deps.pop3 != nil {
			opts.Connections[consts.ProtocolPOP3] = deps.pop3
		}
		deps.http = httpapi.New(opts)
	}
	return deps, nil
}

// blobStore builds the configured content store. With S3 and a local path
// the local cache reads through to S3.
func (d *serverDependencies) blobStore(ctx context.Context) (store.BlobStore, error) {
	sc := d.cfg.Storage
	newCache := func() (*cache.Cache, error) {
		capacity, err := sc.GetCacheCapacity()
		if err != nil {
			return nil, fmt.Errorf("storage.cache_capacity: %w", err)
		}
		maxObject, err := sc.GetMaxObjectSize()
		if err != nil {
			return nil, fmt.Errorf("storage.max_object_size: %w", err)
		}
		purge, err := sc.GetPurgeInterval()
		if err != nil {
			return nil, fmt.Errorf("storage.purge_interval: %w", err)
		}
		c, err := cache.New(sc.LocalPath, capacity, maxObject, purge)
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		d.blobCache = c
		c.StartPurgeLoop(ctx)
		return c, nil
	}

	switch sc.BlobBackend {
	case "local":
		return newCache()
	case "s3":
		s3, err := storage.New(sc.S3)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		if sc.S3.Encrypt {
			if err := s3.EnableEncryption(sc.S3.EncryptionKey); err != nil {
				return nil, fmt.Errorf("s3 encryption: %w", err)
			}
		}
		if sc.LocalPath == "" {
			return s3, nil
		}
		local, err := newCache()
		if err != nil {
			return nil, err
		}
		return cache.NewReadThrough(local, s3), nil
	default:
		return store.NewMemoryBlobStore(), nil
	}
}

func (d *serverDependencies) initDelivery(dir delivery.Directory) error {
	cfg := d.cfg
	policy, err := delivery.PolicyByName(cfg.Delivery.RelayPolicy)
	if err != nil {
		return err
	}
	opts := delivery.Options{
		Hostname:     cfg.Delivery.Hostname,
		LocalDomains: cfg.Delivery.LocalDomains,
		RelayPolicy:  policy,
	}
	if cfg.Delivery.SieveScript != "" {
		if opts.Sieve, err = delivery.LoadSieveFile(cfg.Delivery.SieveScript); err != nil {
			return fmt.Errorf("delivery.sieve_script: %w", err)
		}
	}
	if cfg.Delivery.DKIM.Enabled() {
		if opts.DKIM, err = delivery.NewDKIMSigner(cfg.Delivery.DKIM); err != nil {
			return fmt.Errorf("delivery.dkim: %w", err)
		}
	}

	backoff, err := cfg.Relay.Queue.GetRetryBackoff()
	if err != nil {
		return err
	}
	d.queue, err = relayqueue.NewDiskQueue(cfg.Relay.GetQueuePath(), cfg.Relay.Queue.GetMaxAttempts(), backoff)
	if err != nil {
		return fmt.Errorf("relay queue: %w", err)
	}
	if n, err := d.queue.RecoverProcessing(); err != nil {
		logger.Warn("Relay: crash recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("Relay: recovered in-flight messages", "count", n)
	}

	// The worker is built after the pipeline it reports to.
	opts.Notify = func() {
		if d.worker != nil {
			d.worker.NotifyQueued()
		}
	}
	d.pipeline = delivery.NewPipeline(d.store, dir, d.queue, opts)

	dialTimeout, err := cfg.Relay.GetDialTimeout()
	if err != nil {
		return fmt.Errorf("relay.dial_timeout: %w", err)
	}
	breakerTimeout, err := cfg.Relay.Queue.GetCircuitBreakerTimeout()
	if err != nil {
		return fmt.Errorf("relay.queue.circuit_breaker_timeout: %w", err)
	}
	interval, err := cfg.Relay.Queue.GetWorkerInterval()
	if err != nil {
		return fmt.Errorf("relay.queue.worker_interval: %w", err)
	}
	var resolver relayqueue.Resolver = relayqueue.NewDNSResolver(cfg.Relay.Nameservers, dialTimeout)
	sender := relayqueue.NewSMTPSender(relayqueue.SMTPSenderConfig{
		Hostname:           cfg.Delivery.Hostname,
		Port:               cfg.Relay.GetPort(),
		Smarthost:          cfg.Relay.Smarthost,
		ImplicitTLS:        cfg.Relay.SmarthostImplicit,
		Username:           cfg.Relay.SmarthostUser,
		Password:           cfg.Relay.SmarthostPassword,
		TLSVerify:          cfg.Relay.TLSVerify,
		DialTimeout:        dialTimeout,
		BreakerThreshold:   uint32(cfg.Relay.Queue.GetCircuitBreakerThreshold()),
		BreakerTimeout:     breakerTimeout,
		BreakerMaxRequests: uint32(cfg.Relay.Queue.GetCircuitBreakerMaxRequests()),
		Retry:              retry.DefaultBackoffConfig(),
	}, resolver)
	d.worker = relayqueue.NewWorker(d.queue, sender, d.pipeline, interval,
		cfg.Relay.Queue.GetBatchSize(), cfg.Relay.Queue.GetConcurrency())
	return nil
}

func (d *serverDependencies) initProtocolServers(maxMessageSize int64) error {
	cfg := d.cfg
	hostname := cfg.Delivery.Hostname
	lockout := cfg.Auth.GetLockoutThreshold()

	if sc := cfg.Servers.SMTP; sc.Start {
		idle, err := sc.GetIdleTimeout()
		if err != nil {
			return fmt.Errorf("servers.smtp.idle_timeout: %w", err)
		}
		d.smtp = smtp.New(hostname, d.pipeline, d.verifier, smtp.Options{
			Hostname:          hostname,
			TLSConfig:         d.tlsConfig,
			RequireAuth:       sc.RequireAuth,
			RequireTLSForAuth: sc.RequireTLSForAuth,
			IdleTimeout:       idle,
			MaxLineLength:     sc.MaxLineLength,
			MaxErrors:         sc.MaxErrors,
			MaxMessageSize:    maxMessageSize,
			MaxRecipients:     cfg.Delivery.GetMaxRecipients(),
			LockoutThreshold:  lockout,
			Throttle:          d.throttle,
			Tokens:            d.tokens,
		})
	}

	if ic := cfg.Servers.IMAP; ic.Start {
		idle, err := ic.GetIdleTimeout()
		if err != nil {
			return fmt.Errorf("servers.imap.idle_timeout: %w", err)
		}
		literal, err := ic.GetLiteralTimeout()
		if err != nil {
			return fmt.Errorf("servers.imap.literal_timeout: %w", err)
		}
		maxLiteral, err := ic.GetMaxLiteralSize()
		if err != nil {
			return fmt.Errorf("servers.imap.max_literal_size: %w", err)
		}
		d.imap = imap.New(hostname, d.store, d.verifier, imap.Options{
			Hostname:          hostname,
			TLSConfig:         d.tlsConfig,
			RequireTLSForAuth: ic.RequireTLSForAuth,
			IdleTimeout:       idle,
			LiteralTimeout:    literal,
			MaxLiteralSize:    maxLiteral,
			LockoutThreshold:  lockout,
			Throttle:          d.throttle,
			Tokens:            d.tokens,
		})
	}

	if pc := cfg.Servers.POP3; pc.Start {
		idle, err := pc.GetIdleTimeout()
		if err != nil {
			return fmt.Errorf("servers.pop3.idle_timeout: %w", err)
		}
		d.pop3 = pop3.New(hostname, d.store, d.verifier, pop3.Options{
			Hostname:          hostname,
			TLSConfig:         d.tlsConfig,
			RequireTLSForAuth: pc.RequireTLSForAuth,
			IdleTimeout:       idle,
			MaxErrors:         pc.MaxErrors,
			ErrorDelay:        time.Second,
			LockoutThreshold:  lockout,
			Throttle:          d.throttle,
			Tokens:            d.tokens,
		})
	}
	return nil
}

// buildListeners binds every configured address. Binding happens up front
// so that a port conflict stops startup before anything is served.
func (d *serverDependencies) buildListeners() ([]*serverPkg.Listener, error) {
	type endpoint struct {
		protocol string
		addr     string
		tlsAddr  string
		max      int
		handler  serverPkg.Handler
	}
	var endpoints []endpoint
	if d.smtp != nil {
		sc := d.cfg.Servers.SMTP
		endpoints = append(endpoints, endpoint{consts.ProtocolSMTP, sc.Addr, sc.TLSAddr, sc.MaxConnections, d.smtp})
	}
	if d.imap != nil {
		ic := d.cfg.Servers.IMAP
		endpoints = append(endpoints, endpoint{consts.ProtocolIMAP, ic.Addr, ic.TLSAddr, ic.MaxConnections, d.imap})
	}
	if d.pop3 != nil {
		pc := d.cfg.Servers.POP3
		endpoints = append(endpoints, endpoint{consts.ProtocolPOP3, pc.Addr, pc.TLSAddr, pc.MaxConnections, d.pop3})
	}

	var listeners []*serverPkg.Listener
	bind := func(cfg serverPkg.ListenerConfig, h serverPkg.Handler) error {
		l := serverPkg.NewListener(cfg, h)
		if err := l.Listen(); err != nil {
			return err
		}
		listeners = append(listeners, l)
		return nil
	}
	for _, ep := range endpoints {
		if ep.addr != "" {
			if err := bind(serverPkg.ListenerConfig{Protocol: ep.protocol, Addr: ep.addr, MaxConnections: ep.max}, ep.handler); err != nil {
				closeAll(listeners)
				return nil, err
			}
		}
		if ep.tlsAddr != "" {
			if d.tlsConfig == nil {
				closeAll(listeners)
				return nil, fmt.Errorf("%s: tls_addr %s requires [tls] cert_file and key_file", ep.protocol, ep.tlsAddr)
			}
			if err := bind(serverPkg.ListenerConfig{Protocol: ep.protocol, Addr: ep.tlsAddr, TLS: d.tlsConfig, MaxConnections: ep.max}, ep.handler); err != nil {
				closeAll(listeners)
				return nil, err
			}
		}
	}
	return listeners, nil
}

func closeAll(listeners []*serverPkg.Listener) {
	for _, l := range listeners {
		l.Close()
	}
}

func (d *serverDependencies) close() {
	if d.blobCache != nil {
		if err := d.blobCache.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "TROVE: closing cache: %v\n", err)
		}
	}
	if d.database != nil {
		d.database.Close()
	}
}
