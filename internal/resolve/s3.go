package resolve

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/viewerboot/internal/viewer"
	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

// S3Resolver expands s3://bucket/prefix/ into one reference per object key,
// in lexicographic order. A URL naming a single key passes through.
type S3Resolver struct {
	Client s3.ListObjectsV2APIClient
	// Bucket, when set, is the only bucket references may name.
	Bucket string
}

func (r S3Resolver) Resolve(ctx context.Context, raw, _ string) ([]viewer.ResourceRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse %q", raw)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, xerrors.Newf("%q is not an s3://bucket/prefix url", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return nil, xerrors.Newf("%q: escape \"?\" and \"#\" in s3 keys", raw)
	}
	bucket := u.Host
	if r.Bucket != "" && bucket != r.Bucket {
		return nil, xerrors.Newf("bucket %q is not allowed", bucket)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		return []viewer.ResourceRef{{URL: raw}}, nil
	}

	p := s3.NewListObjectsV2Paginator(r.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "list s3://%s/%s", bucket, prefix)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// zero-byte folder markers
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	refs := make([]viewer.ResourceRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, viewer.ResourceRef{URL: S3URL(bucket, k)})
	}
	return refs, nil
}

// S3URL formats s3://bucket/key with the key path-escaped, so keys holding
// "#", "?" or "%" parse back to themselves.
func S3URL(bucket, key string) string {
	return (&url.URL{Scheme: "s3", Host: bucket, Path: "/" + key}).String()
}
