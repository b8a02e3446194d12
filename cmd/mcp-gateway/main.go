// Command mcp-gateway serves a tool registry to MCP clients over streaming
// HTTP or stdio. All configuration comes from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-gateway/approvals"
	"github.com/ggoodman/mcp-gateway/audit"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/catalog"
	"github.com/ggoodman/mcp-gateway/examples/echo"
	"github.com/ggoodman/mcp-gateway/executor"
	"github.com/ggoodman/mcp-gateway/internal/config"
	"github.com/ggoodman/mcp-gateway/internal/redisconn"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/metrics"
	"github.com/ggoodman/mcp-gateway/protocol"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/resources"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sessions/memstore"
	"github.com/ggoodman/mcp-gateway/sessions/redisstore"
	"github.com/ggoodman/mcp-gateway/stdio"
	"github.com/ggoodman/mcp-gateway/streaminghttp"
	"github.com/ggoodman/mcp-gateway/tools"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// version is overridden at link time.
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcp-gateway:", err)
		os.Exit(2)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

// newLogger writes to stderr so stdout stays free for the stdio transport.
func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	gw, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := gw.close(sctx); err != nil {
			log.Warn("gateway.close.err", slog.String("err", err.Error()))
		}
	}()

	log.Info("gateway.start",
		slog.String("transport", cfg.Transport),
		slog.String("session_backend", cfg.SessionBackend),
		slog.Int("tools", gw.registry.Len()),
		slog.String("version", version),
	)

	if cfg.Transport == config.TransportStdio {
		return gw.serveStdio(ctx)
	}
	return gw.serveHTTP(ctx)
}

// gateway holds the components shared by both transports.
type gateway struct {
	cfg       *config.Config
	log       *slog.Logger
	rdb       *redis.Client
	store     sessions.Store
	registry  *tools.Registry
	approvals approvals.Store
	proto     *protocol.Handler
	audit     *audit.Logger
	metrics   *metrics.Metrics
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway, error) {
	gw := &gateway{cfg: cfg, log: log}
	built := false
	defer func() {
		if !built {
			_ = gw.close(context.WithoutCancel(ctx))
		}
	}()

	var err error

	if cfg.UsesRedis() {
		gw.rdb, err = redisconn.Dial(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
	}

	if gw.rdb != nil {
		gw.store, err = redisstore.New(gw.rdb,
			redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redisstore.WithTTL(cfg.SessionTTL),
			redisstore.WithDefaultMaxToolCalls(cfg.SessionMaxToolCalls),
			redisstore.WithSweepInterval(cfg.SessionSweepInterval),
			redisstore.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
	} else {
		gw.store = memstore.New(
			memstore.WithTTL(cfg.SessionTTL),
			memstore.WithDefaultMaxToolCalls(cfg.SessionMaxToolCalls),
			memstore.WithSweepInterval(cfg.SessionSweepInterval),
			memstore.WithLogger(log),
		)
	}
	if err := gw.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}

	var (
		defs []tools.Definition
		res  *resources.Static
	)
	if cfg.ToolCatalog != "" {
		cat, err := catalog.Load(cfg.ToolCatalog)
		if err != nil {
			return nil, err
		}
		defs = append(defs, cat.Tools...)
		res = cat.Resources
	}
	if cfg.ExampleTools {
		examples, err := echo.Tools()
		if err != nil {
			return nil, err
		}
		defs = append(defs, examples...)
	}
	gw.registry, err = tools.NewRegistry(defs...)
	if err != nil {
		return nil, err
	}

	if cfg.ApprovalsEnabled {
		if gw.rdb != nil {
			gw.approvals, err = approvals.NewRedisStore(gw.rdb,
				approvals.WithRedisKeyPrefix(cfg.Redis.KeyPrefix),
				approvals.WithRedisTTL(cfg.ApprovalTTL),
			)
			if err != nil {
				return nil, fmt.Errorf("approval store: %w", err)
			}
		} else {
			gw.approvals = approvals.NewMemoryStore(approvals.WithMemoryTTL(cfg.ApprovalTTL))
		}
	}

	execOpts := []executor.Option{
		executor.WithDefaultTimeout(cfg.ToolTimeout),
		executor.WithDefaultDangerousPolicy(sessions.DangerousPolicy(cfg.DangerousPolicy)),
		executor.WithLogger(log),
	}
	if gw.approvals != nil {
		execOpts = append(execOpts, executor.WithApprovals(gw.approvals))
	}
	exec, err := executor.New(gw.registry, gw.store, execOpts...)
	if err != nil {
		return nil, err
	}

	gw.audit = audit.New(log)
	gw.metrics = metrics.New()
	gw.metrics.WatchSessions(gw.store)

	protoOpts := []protocol.Option{
		protocol.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-gateway", Version: version}),
		protocol.WithObserver(gw.audit),
		protocol.WithObserver(gw.metrics),
		protocol.WithLogger(log),
	}
	if res != nil {
		protoOpts = append(protoOpts, protocol.WithResources(res))
	}
	gw.proto, err = protocol.New(exec, protoOpts...)
	if err != nil {
		return nil, err
	}
	built = true
	return gw, nil
}

func (gw *gateway) close(ctx context.Context) error {
	var errs []error
	if gw.store != nil {
		errs = append(errs, gw.store.Shutdown(ctx))
	}
	if gw.rdb != nil {
		errs = append(errs, gw.rdb.Close())
	}
	return errors.Join(errs...)
}

func (gw *gateway) httpHandler(ctx context.Context) (*streaminghttp.StreamingHTTPHandler, error) {
	cfg := gw.cfg

	var limiter ratelimit.Limiter
	rlCfg := ratelimit.Config{Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax}
	if gw.rdb != nil {
		rl, err := ratelimit.NewRedis(gw.rdb, rlCfg, ratelimit.WithKeyPrefix(cfg.Redis.KeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		limiter = rl
	} else {
		limiter = ratelimit.NewMemory(rlCfg)
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(gw.log),
		streaminghttp.WithSharedSecret(auth.NewSharedSecret(cfg.SecretHeader, cfg.SharedSecret)),
		streaminghttp.WithRateLimiter(limiter),
		streaminghttp.WithAudit(gw.audit),
		streaminghttp.WithMetrics(gw.metrics),
		streaminghttp.WithMCPPath(cfg.MCPPath),
		streaminghttp.WithHeartbeatInterval(cfg.SSEHeartbeatInterval),
	}
	if cfg.AdminSecret != "" {
		opts = append(opts, streaminghttp.WithAdminSecret(auth.NewSharedSecret(cfg.AdminSecretHeader, cfg.AdminSecret)))
	}
	if gw.approvals != nil {
		opts = append(opts, streaminghttp.WithApprovals(gw.approvals))
	}

	switch {
	case cfg.OIDCIssuer != "":
		authn, err := auth.NewOIDC(ctx, cfg.OIDCIssuer, auth.WithOIDCAudiences(cfg.PublicURL))
		if err != nil {
			return nil, fmt.Errorf("bearer authenticator: %w", err)
		}
		opts = append(opts,
			streaminghttp.WithAuthenticator(authn),
			streaminghttp.WithProtectedResource(cfg.PublicURL, authn.Issuer(), authn.Algorithms()...),
		)
	case cfg.JWTSecret != "":
		var hsOpts []auth.HS256Option
		if cfg.JWTIssuer != "" {
			hsOpts = append(hsOpts, auth.WithIssuer(cfg.JWTIssuer))
		}
		if cfg.PublicURL != "" {
			hsOpts = append(hsOpts, auth.WithAudiences(cfg.PublicURL))
		}
		authn, err := auth.NewHS256([]byte(cfg.JWTSecret), hsOpts...)
		if err != nil {
			return nil, fmt.Errorf("bearer authenticator: %w", err)
		}
		opts = append(opts, streaminghttp.WithAuthenticator(authn))
		if cfg.PublicURL != "" {
			opts = append(opts, streaminghttp.WithProtectedResource(cfg.PublicURL, cfg.JWTIssuer))
		}
	}
	if cfg.SharedSecret == "" {
		gw.log.Warn("gateway.shared_secret.unset")
	}
	if cfg.SharedSecret == "" && cfg.AdminSecret == "" {
		gw.log.Warn("gateway.admin_routes.disabled")
	}

	return streaminghttp.New(gw.proto, gw.store, opts...)
}

func (gw *gateway) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", gw.cfg.Addr)
	if err != nil {
		return err
	}
	return gw.serve(ctx, ln)
}

// serve runs the HTTP transport on ln until ctx ends. Open GET streams are
// closed as soon as shutdown starts.
func (gw *gateway) serve(ctx context.Context, ln net.Listener) error {
	h, err := gw.httpHandler(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(h.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.log.Info("gateway.http.listen", slog.String("addr", ln.Addr().String()), slog.String("mcp_path", gw.cfg.MCPPath))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		gw.log.Info("gateway.http.shutdown")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (gw *gateway) serveStdio(ctx context.Context) error {
	caller, err := config.LoadCaller()
	if err != nil {
		return err
	}
	h := stdio.NewHandler(gw.proto, gw.store,
		stdio.WithCaller(caller.SessionParams()),
		stdio.WithLogger(gw.log),
	)
	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
