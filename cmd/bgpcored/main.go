package main

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/bgpcore/internal/audit"
	"github.com/route-beacon/bgpcore/internal/config"
	"github.com/route-beacon/bgpcore/internal/db"
	"github.com/route-beacon/bgpcore/internal/eventfeed"
	"github.com/route-beacon/bgpcore/internal/eventloop"
	bgphttp "github.com/route-beacon/bgpcore/internal/http"
	"github.com/route-beacon/bgpcore/internal/maintenance"
	"github.com/route-beacon/bgpcore/internal/metrics"
	"github.com/route-beacon/bgpcore/internal/pipeline"
	"github.com/route-beacon/bgpcore/internal/route"
	"github.com/route-beacon/bgpcore/internal/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgpcored <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the route-processing core")
	fmt.Println("  migrate       Run database migrations (audit trail only)")
	fmt.Println("  maintenance   Run partition maintenance for the audit trail")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgpcored",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Uint32("local_as", cfg.Router.LocalAS),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional Postgres pool, only stood up when the audit trail needs it.
	var pool *pgxpool.Pool
	if cfg.Audit.Enabled {
		p, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer p.Close()
		pool = p

		pm := maintenance.NewPartitionManager(pool, cfg.Audit.RetentionDays, cfg.Audit.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create audit partitions on startup", zap.Error(err))
		}
	}

	loop := eventloop.New(4096)
	go loop.Run(ctx)

	mgr := pipeline.NewManager(loop, logger.Named("pipeline"))

	routerID, err := ipToUint32(cfg.Router.RouterID)
	if err != nil {
		logger.Fatal("invalid router.router_id", zap.Error(err))
	}
	clusterID := routerID
	if cfg.Router.ClusterID != "" {
		clusterID, err = ipToUint32(cfg.Router.ClusterID)
		if err != nil {
			logger.Fatal("invalid router.cluster_id", zap.Error(err))
		}
	}
	identity := pipeline.RouterIdentity{
		LocalAS:   cfg.Router.LocalAS,
		RouterID:  routerID,
		ClusterID: clusterID,
	}

	// --- Optional audit trail and event feed ---
	var auditSink *audit.Sink
	if cfg.Audit.Enabled {
		writer := audit.NewWriter(pool, logger.Named("audit.writer"), cfg.Audit.Compress)
		auditSink = audit.NewSink(writer, cfg.Audit.BatchSize,
			time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond, cfg.Audit.BatchSize*4, logger.Named("audit.sink"))
		go auditSink.Run(ctx)

		mgr.SetAuditRecordFunc(func(afi route.AFI, safi route.SAFI, kind, peer, prefix, reason string, genid uint64) {
			auditSink.Record(audit.Row{
				AFI: afi.String(), SAFI: safi.String(), Peer: peer, Prefix: prefix,
				Genid: genid, Kind: audit.Kind(kind), Reason: reason, Timestamp: time.Now(),
			})
		})
	}

	var feed *eventfeed.Publisher
	if cfg.EventFeed.Enabled {
		tlsCfg, err := config.BuildTLSConfig(cfg.EventFeed.TLS)
		if err != nil {
			logger.Fatal("failed to build eventfeed TLS config", zap.Error(err))
		}
		saslMech := config.BuildSASLMechanism(cfg.EventFeed.SASL)

		feed, err = eventfeed.NewPublisher(cfg.EventFeed.Brokers, cfg.EventFeed.ClientID, cfg.EventFeed.Topic, tlsCfg, saslMech, logger.Named("eventfeed"))
		if err != nil {
			logger.Fatal("failed to create eventfeed publisher", zap.Error(err))
		}
		defer feed.Close()

		mgr.SetWinnerFeedFunc(func(afi route.AFI, safi route.SAFI, kind string, prefix route.Prefix, winner *route.SubnetRoute) {
			ev := eventfeed.Event{Kind: kind, AFI: afi.String(), SAFI: safi.String(), Prefix: prefix.String(), Timestamp: time.Now()}
			if winner != nil {
				if winner.PA != nil {
					ev.NextHop = winner.PA.NextHop.String()
				}
				ev.ASPath = flattenASPath(winner)
				if winner.Origin != nil {
					ev.PeerID = winner.Origin.ID
				}
			}
			feed.Publish(ctx, ev)
		})
	}

	mgr.SetPeerResetFunc(func(afi route.AFI, safi route.SAFI, peer *route.PeerHandle, reason pipeline.ResetReason) {
		logger.Warn("peer branch reset required",
			zap.String("afi", afi.String()), zap.String("safi", safi.String()),
			zap.String("peer", peer.String()), zap.String("reason", string(reason)))
	})

	// --- Build one pipeline per configured AFI/SAFI pair, then plumb peers in. ---
	pairs := collectPairs(cfg)
	for _, pair := range pairs {
		pcfg := pipeline.PipelineConfig{
			Router:          identity,
			Damping:         dampingFor(cfg, pair),
			Aggregates:      aggregatesFor(cfg, pair.afi),
			DefaultQueueCap: cfg.Fanout.DefaultQueueCap,
			WakeDeadline:    time.Duration(cfg.Fanout.WakeDeadlineSeconds) * time.Second,
		}
		if err := mgr.AddPipeline(pair.afi, pair.safi, pcfg); err != nil {
			logger.Fatal("failed to add pipeline", zap.Error(err))
		}
	}

	genids := route.GenidAllocator{}
	for name, pc := range cfg.Peers {
		afi, safi, err := parsePeerFamily(pc)
		if err != nil {
			logger.Fatal("invalid peer family", zap.String("peer", name), zap.Error(err))
		}

		peerType, err := parsePeerType(pc.Type)
		if err != nil {
			logger.Fatal("invalid peer type", zap.String("peer", name), zap.Error(err))
		}

		addr, err := netip.ParseAddr(pc.Address)
		if err != nil {
			logger.Fatal("invalid peer address", zap.String("peer", name), zap.Error(err))
		}

		var localNextHop netip.Addr
		if pc.LocalNextHop != "" {
			localNextHop, err = netip.ParseAddr(pc.LocalNextHop)
			if err != nil {
				logger.Fatal("invalid peer local_next_hop", zap.String("peer", name), zap.Error(err))
			}
		}

		peerID, err := ipToUint32(pc.Address)
		if err != nil {
			// non-IPv4 peer addresses (e.g. pure IPv6 transport) still need a
			// numeric identity; fall back to the next value of a counter local
			// to this process (not derived from the address).
			peerID = uint32(genids.Next())
		}

		handle := &route.PeerHandle{
			ID: peerID, Address: addr, ASN: pc.ASN, Type: peerType,
			DirectlyConnected: pc.DirectlyConnected, LocalNextHop: localNextHop,
			ConfederationPeer: pc.ConfederationPeer,
		}

		spec := pipeline.PeerSpec{Handle: handle, QueueCap: pc.QueueCap}
		if err := mgr.AddPeering(afi, safi, spec); err != nil {
			logger.Fatal("failed to add peering", zap.String("peer", name), zap.Error(err))
		}
		logger.Info("peering plumbed", zap.String("peer", name), zap.String("afi", afi.String()), zap.String("safi", safi.String()))
	}

	// --- HTTP server ---
	httpServer := bgphttp.NewServer(cfg.Service.HTTPListen, pool, mgr, pipeline.NewRouteReader(mgr), logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("bgpcored started", zap.Int("pipelines", len(pairs)), zap.Int("peers", len(cfg.Peers)))

	stuckCheck := time.NewTicker(10 * time.Second)
	defer stuckCheck.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stuckCheck.C:
				mgr.CheckStuckBranches()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	logger.Info("bgpcored stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running audit partition maintenance",
		zap.Int("retention_days", cfg.Audit.RetentionDays),
		zap.String("timezone", cfg.Audit.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Audit.RetentionDays, cfg.Audit.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("audit partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

type afiSafiPair struct {
	afi  route.AFI
	safi route.SAFI
}

// collectPairs derives the set of AFI/SAFI pipelines to build from the
// peers configured against them; a damping or aggregate block with no
// matching peer never gets a pipeline of its own.
func collectPairs(cfg *config.Config) []afiSafiPair {
	seen := make(map[afiSafiPair]bool)
	var pairs []afiSafiPair
	for _, pc := range cfg.Peers {
		afi, safi, err := parsePeerFamily(pc)
		if err != nil {
			continue
		}
		pair := afiSafiPair{afi, safi}
		if !seen[pair] {
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

func parsePeerFamily(pc config.PeerConfig) (route.AFI, route.SAFI, error) {
	var afi route.AFI
	switch strings.ToLower(pc.AFI) {
	case "", "ipv4":
		afi = route.AFIv4
	case "ipv6":
		afi = route.AFIv6
	default:
		return 0, 0, fmt.Errorf("unknown afi %q", pc.AFI)
	}

	var safi route.SAFI
	switch strings.ToLower(pc.SAFI) {
	case "", "unicast":
		safi = route.SAFIUnicast
	case "multicast":
		safi = route.SAFIMulticast
	default:
		return 0, 0, fmt.Errorf("unknown safi %q", pc.SAFI)
	}
	return afi, safi, nil
}

func parsePeerType(s string) (route.PeerType, error) {
	switch strings.ToLower(s) {
	case "", "ebgp":
		return route.PeerEBGP, nil
	case "ibgp":
		return route.PeerIBGP, nil
	case "ibgp-client":
		return route.PeerIBGPClient, nil
	case "ebgp-confed":
		return route.PeerEBGPConfed, nil
	default:
		return 0, fmt.Errorf("unknown peer type %q", s)
	}
}

// dampingFor resolves the configured damping parameters for a pipeline,
// keyed damping.<afi>-<safi>, falling back to RFC 2439 defaults when
// unconfigured.
func dampingFor(cfg *config.Config, pair afiSafiPair) table.DampingConfig {
	key := pair.afi.String() + "-" + pair.safi.String()
	spec, ok := cfg.Damping[key]
	if !ok {
		return table.DefaultDampingConfig()
	}
	return table.DampingConfig{
		HalfLife:        time.Duration(spec.HalfLifeSeconds) * time.Second,
		Penalty:         spec.Penalty,
		CutoffThreshold: spec.CutoffThreshold,
		ReuseThreshold:  spec.ReuseThreshold,
		MaxSuppressTime: time.Duration(spec.MaxSuppressSeconds) * time.Second,
	}
}

// aggregatesFor resolves the configured covering aggregates whose prefix
// belongs to the given address family.
func aggregatesFor(cfg *config.Config, afi route.AFI) []table.AggregateConfig {
	var out []table.AggregateConfig
	for _, spec := range cfg.Aggregate {
		pfx, err := route.ParsePrefix(spec.Prefix)
		if err != nil || pfx.AFI() != afi {
			continue
		}
		out = append(out, table.AggregateConfig{Prefix: pfx, SuppressMoreSpecifics: spec.SuppressMoreSpecifics})
	}
	return out
}

// ipToUint32 packs a dotted-quad IPv4 address into its big-endian uint32
// form, the shape RouterID and ClusterID are carried in internally.
func ipToUint32(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	if !addr.Is4() {
		return 0, fmt.Errorf("%s is not an IPv4 address", s)
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func flattenASPath(sr *route.SubnetRoute) []uint32 {
	if sr.PA == nil {
		return nil
	}
	var out []uint32
	for _, seg := range sr.PA.ASPath {
		out = append(out, seg.ASNs...)
	}
	return out
}
