package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/viewerboot/internal/log"
	"github.com/keithlinneman/viewerboot/internal/viewer"
	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

const maxVersionBody = 1 << 20

var (
	ErrUnauthorized      = errors.New("resolve: unauthorized")
	ErrModelNotFound     = errors.New("resolve: model or version not found")
	ErrUnsupportedScheme = errors.New("resolve: unsupported url scheme")
	ErrHostNotAllowed    = errors.New("resolve: host not allowed")
)

// HTTPResolver resolves model-server URLs by querying the server's version API.
type HTTPResolver struct {
	Client *http.Client
	Logger log.Logger
}

// NewHTTPResolver returns a resolver whose outbound requests are traced.
func NewHTTPResolver(base http.RoundTripper, logger log.Logger) *HTTPResolver {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &HTTPResolver{
		Client: &http.Client{Transport: otelhttp.NewTransport(base)},
		Logger: logger.With("component", "resolve"),
	}
}

// modelSpec is one entry of a comma-separated model list.
type modelSpec struct {
	model   string
	version string // empty means latest
}

func (r *HTTPResolver) Resolve(ctx context.Context, raw, token string) ([]viewer.ResourceRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, xerrors.Newf("url %q has no host", raw)
	}

	// escaped so a literal "%" or "," inside an id survives the split
	parts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "streams" && parts[2] == "objects":
		return []viewer.ResourceRef{{URL: raw, Token: token}}, nil

	case len(parts) == 4 && parts[0] == "projects" && parts[2] == "models":
		project, err := url.PathUnescape(parts[1])
		if err != nil {
			return nil, xerrors.Wrapf(err, "parse project in %q", raw)
		}
		specs, err := parseModelList(parts[3])
		if err != nil {
			return nil, xerrors.Wrapf(err, "parse model list in %q", raw)
		}
		origin := u.Scheme + "://" + u.Host
		refs := make([]viewer.ResourceRef, 0, len(specs))
		for _, spec := range specs {
			obj, err := r.referencedObject(ctx, origin, project, spec, token)
			if err != nil {
				return nil, err
			}
			refs = append(refs, viewer.ResourceRef{
				URL:   fmt.Sprintf("%s/streams/%s/objects/%s", origin, url.PathEscape(project), url.PathEscape(obj)),
				Token: token,
			})
		}
		r.logger().Debug(ctx, "model url resolved", "url", raw, "models", len(specs), "resources", len(refs))
		return refs, nil
	}
	return []viewer.ResourceRef{{URL: raw, Token: token}}, nil
}

// parseModelList splits an escaped "m1,m2@v" path segment. Items are
// unescaped after the split.
func parseModelList(s string) ([]modelSpec, error) {
	var out []modelSpec
	for _, raw := range strings.Split(s, ",") {
		item, err := url.PathUnescape(raw)
		if err != nil {
			return nil, xerrors.Wrapf(err, "unescape model %q", raw)
		}
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		m, v, _ := strings.Cut(item, "@")
		if m == "" {
			return nil, xerrors.Newf("empty model id in %q", item)
		}
		out = append(out, modelSpec{model: m, version: v})
	}
	if len(out) == 0 {
		return nil, xerrors.New("no models listed")
	}
	return out, nil
}

type versionResponse struct {
	ID               string `json:"id"`
	ReferencedObject string `json:"referencedObject"`
}

func (r *HTTPResolver) referencedObject(ctx context.Context, origin, project string, spec modelSpec, token string) (string, error) {
	version := spec.version
	if version == "" {
		version = "latest"
	}
	endpoint := fmt.Sprintf("%s/api/projects/%s/models/%s/versions/%s",
		origin, url.PathEscape(project), url.PathEscape(spec.model), url.PathEscape(version))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", xerrors.Wrapf(err, "build request %s", endpoint)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", xerrors.Wrapf(err, "GET %s", endpoint)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("model %s: %s: %w", spec.model, resp.Status, ErrUnauthorized)
	case http.StatusNotFound:
		return "", fmt.Errorf("model %s version %s: %w", spec.model, version, ErrModelNotFound)
	default:
		return "", xerrors.Newf("GET %s: unexpected status %s", endpoint, resp.Status)
	}

	var vr versionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVersionBody)).Decode(&vr); err != nil {
		return "", xerrors.Wrapf(err, "decode version of model %s", spec.model)
	}
	if vr.ReferencedObject == "" {
		return "", xerrors.Newf("model %s version %s has no referenced object", spec.model, version)
	}
	return vr.ReferencedObject, nil
}

func (r *HTTPResolver) logger() log.Logger {
	if r.Logger == nil {
		return log.Nop()
	}
	return r.Logger
}
