package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/viewerboot/internal/viewer"
	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

// Fetcher returns the raw bytes behind a reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref viewer.ResourceRef) (io.ReadCloser, error)
}

// FetcherFunc adapts a function into a Fetcher.
type FetcherFunc func(ctx context.Context, ref viewer.ResourceRef) (io.ReadCloser, error)

func (f FetcherFunc) Fetch(ctx context.Context, ref viewer.ResourceRef) (io.ReadCloser, error) {
	return f(ctx, ref)
}

// SchemeFetcher dispatches on the reference's URL scheme ("blob", "https", "s3", ...).
type SchemeFetcher map[string]Fetcher

func (m SchemeFetcher) Fetch(ctx context.Context, ref viewer.ResourceRef) (io.ReadCloser, error) {
	scheme, _, ok := strings.Cut(ref.URL, ":")
	if !ok {
		return nil, xerrors.Newf("reference %q has no scheme", ref.URL)
	}
	f, ok := m[strings.ToLower(scheme)]
	if !ok || f == nil {
		return nil, xerrors.Newf("no fetcher for scheme %q", scheme)
	}
	return f.Fetch(ctx, ref)
}

// Opener is implemented by objecturl.Registry.
type Opener interface {
	Open(url string) (io.ReadCloser, viewer.File, error)
}

// BlobFetcher reads transient file handles.
type BlobFetcher struct {
	Handles Opener
}

func (b BlobFetcher) Fetch(_ context.Context, ref viewer.ResourceRef) (io.ReadCloser, error) {
	rc, _, err := b.Handles.Open(ref.URL)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// HTTPFetcher GETs http(s) references, sending the reference token as a bearer token.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher whose requests are traced.
func NewHTTPFetcher(base http.RoundTripper) *HTTPFetcher {
	if base == nil {
		base = http.DefaultTransport
	}
	return &HTTPFetcher{Client: &http.Client{Transport: otelhttp.NewTransport(base)}}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, ref viewer.ResourceRef) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build request for %s", ref.URL)
	}
	if ref.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ref.Token)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "GET %s", ref.URL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, xerrors.Newf("GET %s: unexpected status %s", ref.URL, resp.Status)
	}
	return resp.Body, nil
}

// S3GetObjectAPI is the subset of *s3.Client used by S3Fetcher.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads s3://bucket/key references.
type S3Fetcher struct {
	Client S3GetObjectAPI
	// Bucket, when set, is the only bucket references may name.
	Bucket string
}

func (f S3Fetcher) Fetch(ctx context.Context, ref viewer.ResourceRef) (io.ReadCloser, error) {
	bucket, key, err := ParseS3URL(ref.URL)
	if err != nil {
		return nil, err
	}
	if f.Bucket != "" && bucket != f.Bucket {
		return nil, xerrors.Newf("bucket %q is not allowed", bucket)
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return nil, xerrors.Newf("%s names a prefix, not an object", ref.URL)
	}
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	return out.Body, nil
}

// ParseS3URL splits s3://bucket/key. The key is the unescaped path, and a
// query or fragment is rejected rather than dropped.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", xerrors.Wrapf(err, "parse %q", raw)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", xerrors.Newf("%q is not an s3://bucket/key url", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", xerrors.Newf("%q: escape \"?\" and \"#\" in s3 keys", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// readLimited reads at most max bytes, failing when the body is larger.
func readLimited(rc io.ReadCloser, name string, max int64) ([]byte, error) {
	defer rc.Close()
	lr := io.LimitReader(rc, max+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", name)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%s exceeds size limit (max %d bytes): %w", name, max, ErrTooLarge)
	}
	return data, nil
}
