package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/viewerboot/internal/cfg"
	"github.com/keithlinneman/viewerboot/internal/engine"
	"github.com/keithlinneman/viewerboot/internal/health"
	"github.com/keithlinneman/viewerboot/internal/httpmw"
	"github.com/keithlinneman/viewerboot/internal/httpserver"
	"github.com/keithlinneman/viewerboot/internal/log"
	"github.com/keithlinneman/viewerboot/internal/metrics"
	"github.com/keithlinneman/viewerboot/internal/objecturl"
	"github.com/keithlinneman/viewerboot/internal/opshttp"
	"github.com/keithlinneman/viewerboot/internal/otelx"
	"github.com/keithlinneman/viewerboot/internal/prof"
	"github.com/keithlinneman/viewerboot/internal/ratelimit"
	"github.com/keithlinneman/viewerboot/internal/resolve"
	v "github.com/keithlinneman/viewerboot/internal/version"
	"github.com/keithlinneman/viewerboot/internal/viewer"
	"github.com/keithlinneman/viewerboot/internal/viewerhttp"
)

// headroom added to the upload limit for multipart framing
const multipartSlack = 1 << 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	// empty keeps the logger default (error)
	var stackLvl slog.Level
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSONFormat:        conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"container_id", conf.ContainerID,
		"surface", fmt.Sprintf("%dx%d", conf.SurfaceWidth, conf.SurfaceHeight),
		"worker_script_path", conf.WorkerScriptPath,
		"resolver_base_url", conf.ResolverBaseURL,
		"resolver_allowed_hosts", conf.ResolverAllowedHosts,
		"model_s3_bucket", conf.ModelS3Bucket,
		"load_timeout", conf.LoadTimeout,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"container": conf.ContainerID,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)
	defer stopProf()

	// Insecure because the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Container: conf.ContainerID,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS is only needed for s3:// models and the ssm token
	src := sources{
		BaseURL:      conf.ResolverBaseURL,
		AllowedHosts: conf.AllowedHosts(),
		Logger:       L,
		Bucket:       conf.ModelS3Bucket,
	}
	if conf.ModelS3Bucket != "" || conf.ResolverTokenSSMParam != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		if conf.ModelS3Bucket != "" {
			src.S3 = s3.NewFromConfig(awsCfg)
		}
		if conf.ResolverTokenSSMParam != "" {
			tok, err := resolve.SSMToken(ctx, ssm.NewFromConfig(awsCfg), conf.ResolverTokenSSMParam)
			if err != nil {
				L.Error(ctx, err, "failed to read model server token", "ssm_param", conf.ResolverTokenSSMParam)
				os.Exit(1)
			}
			src.Token = tok
			L.Info(ctx, "loaded model server token", "ssm_param", conf.ResolverTokenSSMParam, "origin", conf.ResolverBaseURL)
		}
	}

	handles := objecturl.New(v.AppName)
	src.Handles = handles

	resolver, err := src.resolver()
	if err != nil {
		L.Error(ctx, err, "failed to build resolver")
		os.Exit(1)
	}

	eng := engine.New(engine.Options{
		Fetcher: src.fetcher(),
		Logger:  L,
		Workers: conf.WorkerCount,
	})

	// a failed session stays up so /api/viewer/status and /readyz report why
	session, err := viewer.Start(ctx, &viewer.Options{
		Container: engine.Surface{ID: conf.ContainerID, Width: conf.SurfaceWidth, Height: conf.SurfaceHeight},
		Engine:    eng,
		Config:    viewer.Config{Verbose: conf.Verbose, WorkerScriptPath: conf.WorkerScriptPath},
		Resolver:  resolver,
		Handles:   handles,
		Logger:    L,
		Metrics:   m,
	})
	if err != nil {
		L.Error(ctx, err, "viewer initialization failed", "container_id", conf.ContainerID)
	} else {
		L.Info(ctx, "viewer initialized", "container_id", conf.ContainerID, "extensions", session.Status().Extensions)
	}

	if conf.InitialURL != "" && err == nil {
		go initialLoad(ctx, L, session, conf.InitialURL, conf.InitialToken, conf.LoadTimeout)
	}

	api := viewerhttp.NewAPI(viewerhttp.Options{
		Session:        session,
		Logger:         L,
		MaxUploadBytes: conf.MaxUploadBytes,
		LoadTimeout:    conf.LoadTimeout,
	})

	var gate health.ShutdownGate

	// ready only while not draining and the session is Ready
	readiness := health.All(
		gate.Probe(),
		health.SessionReady(session),
	)

	// load and upload are charged more than reads
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithCost(ratelimit.LoadCost(5)),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	writeTimeout := httpserver.DefaultWriteTimeout
	if conf.LoadTimeout > 0 {
		writeTimeout = conf.LoadTimeout + 30*time.Second
	}

	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		APIRoutes:    api.RegisterRoutes,
		Viewer:       session,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		BodyLimits: []httpmw.BodyLimit{
			{Prefix: "/api/viewer/upload", Bytes: conf.MaxUploadBytes + multipartSlack},
		},
		WriteTimeout: writeTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// admin listener rejects public peers in case the sg is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new triggers
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining for 30s")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := session.Close(shutdownCtx); err != nil {
		L.Error(bg, err, "viewer session close")
	}
	created, released := handles.Stats()
	L.Info(bg, "viewer session closed", "handles_created", created, "handles_released", released)

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// initialLoad submits the configured startup URL once.
func initialLoad(ctx context.Context, L log.Logger, s *viewer.Session, url, token string, timeout time.Duration) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rep, err := s.SubmitLoad(ctx, viewer.URLRequest(url, token))
	if err != nil {
		L.Error(ctx, err, "initial load failed", "url", url)
		return
	}
	if failed := rep.Failed(); len(failed) > 0 {
		L.Warn(ctx, "initial load completed with failures", "url", url, "loaded", len(rep.Results)-len(failed), "failed", len(failed))
		return
	}
	L.Info(ctx, "initial load complete", "url", url, "loaded", len(rep.Results))
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
