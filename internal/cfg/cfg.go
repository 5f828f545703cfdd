package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/viewerboot/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "VIEWERBOOT_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// viewer session
	ContainerID      string
	SurfaceWidth     int
	SurfaceHeight    int
	Verbose          bool
	WorkerScriptPath string
	WorkerCount      int

	// resolution and fetch
	ResolverBaseURL       string
	ResolverAllowedHosts  string
	ResolverTokenSSMParam string
	ModelS3Bucket         string
	MaxUploadBytes        int64
	LoadTimeout           time.Duration

	// startup load
	InitialURL   string
	InitialToken string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.ContainerID, "container-id", "renderer", "id of the surface the viewer binds to")
	fs.IntVar(&c.SurfaceWidth, "surface-width", 1280, "surface width in pixels (0 disables the rendering context)")
	fs.IntVar(&c.SurfaceHeight, "surface-height", 720, "surface height in pixels (0 disables the rendering context)")
	fs.BoolVar(&c.Verbose, "verbose", true, "per-resource diagnostics at info level")
	fs.StringVar(&c.WorkerScriptPath, "worker-script-path", "", "enable background parse workers (path of the worker script)")
	fs.IntVar(&c.WorkerCount, "worker-count", 0, "parse workers when worker-script-path is set (0 = min(NumCPU, 4))")

	fs.StringVar(&c.ResolverBaseURL, "resolver-base-url", "", "model server origin; relative load urls are joined to it")
	fs.StringVar(&c.ResolverAllowedHosts, "resolver-allowed-hosts", "", "comma-separated host[:port] list http(s) load urls may name (empty allows any); the resolver-base-url host is always allowed")
	fs.StringVar(&c.ResolverTokenSSMParam, "resolver-token-ssm-param", "", "ssm parameter holding the model server token, sent only to resolver-base-url")
	fs.StringVar(&c.ModelS3Bucket, "model-s3-bucket", "", "enable s3:// references (bucket allowed for listing and fetch)")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", 64<<20, "max multipart upload size")
	fs.DurationVar(&c.LoadTimeout, "load-timeout", 2*time.Minute, "per load request timeout (0 = none)")

	fs.StringVar(&c.InitialURL, "initial-url", "", "url loaded once after the viewer initializes")
	fs.StringVar(&c.InitialToken, "initial-token", "", "access token for initial-url")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 5, "per-client load/upload requests per second")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 10, "per-client burst")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// AllowedHosts splits ResolverAllowedHosts, dropping empty entries.
func (c App) AllowedHosts() []string {
	var out []string
	for _, h := range strings.Split(c.ResolverAllowedHosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Session. An empty container id is left to the session, which fails
	// initialization with a typed error instead of refusing to start.
	if c.SurfaceWidth < 0 || c.SurfaceHeight < 0 {
		errs = append(errs, fmt.Errorf("SURFACE_WIDTH/SURFACE_HEIGHT must be >= 0 (got %dx%d)", c.SurfaceWidth, c.SurfaceHeight))
	}
	if c.WorkerCount < 0 || c.WorkerCount > 64 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be 0..64 (got %d)", c.WorkerCount))
	}

	// Resolution
	if c.ResolverBaseURL != "" {
		if u, err := url.Parse(c.ResolverBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("RESOLVER_BASE_URL must be an http(s) origin (got %q)", c.ResolverBaseURL))
		}
	}
	if c.ResolverTokenSSMParam != "" && !strings.HasPrefix(c.ResolverTokenSSMParam, "/") {
		errs = append(errs, fmt.Errorf("RESOLVER_TOKEN_SSM_PARAM must be an absolute parameter path (got %q)", c.ResolverTokenSSMParam))
	}
	// the token is only ever sent to the base url's origin
	if c.ResolverTokenSSMParam != "" && c.ResolverBaseURL == "" {
		errs = append(errs, fmt.Errorf("RESOLVER_BASE_URL required when RESOLVER_TOKEN_SSM_PARAM is set"))
	}
	for _, h := range c.AllowedHosts() {
		if strings.ContainsAny(h, "/@ ") {
			errs = append(errs, fmt.Errorf("RESOLVER_ALLOWED_HOSTS entries must be host[:port] (got %q)", h))
		}
	}
	if c.ModelS3Bucket != "" && strings.ContainsAny(c.ModelS3Bucket, "/: ") {
		errs = append(errs, fmt.Errorf("MODEL_S3_BUCKET must be a bare bucket name (got %q)", c.ModelS3Bucket))
	}
	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive (got %d)", c.MaxUploadBytes))
	}
	if c.LoadTimeout < 0 {
		errs = append(errs, fmt.Errorf("LOAD_TIMEOUT must be >= 0 (got %s)", c.LoadTimeout))
	}
	if c.InitialToken != "" && c.InitialURL == "" {
		errs = append(errs, fmt.Errorf("INITIAL_TOKEN set without INITIAL_URL"))
	}

	// Rate limiting
	if c.RateLimitRPS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be positive (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
