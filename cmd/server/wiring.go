package main

import (
	"net/url"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/viewerboot/internal/engine"
	"github.com/keithlinneman/viewerboot/internal/log"
	"github.com/keithlinneman/viewerboot/internal/resolve"
	"github.com/keithlinneman/viewerboot/internal/viewer"
)

// s3API is the part of *s3.Client used for model listing and fetch.
type s3API interface {
	s3.ListObjectsV2APIClient
	engine.S3GetObjectAPI
}

// sources are the backends a viewer may pull models from.
type sources struct {
	S3      s3API
	Bucket  string
	Handles engine.Opener
	// Token is sent only to BaseURL's origin.
	Token   string
	BaseURL string
	// AllowedHosts limits http(s) load urls. The BaseURL host is always allowed.
	AllowedHosts []string
	Logger       log.Logger
}

// resolver routes load URLs by scheme. s3:// is only handled when a model
// bucket is configured.
func (src sources) resolver() (viewer.Resolver, error) {
	hosts := src.AllowedHosts
	if len(hosts) > 0 && src.BaseURL != "" {
		if u, err := url.Parse(src.BaseURL); err == nil && u.Host != "" {
			hosts = append([]string{u.Host}, hosts...)
		}
	}
	httpRes := resolve.RestrictHosts(resolve.NewHTTPResolver(nil, src.Logger), hosts)
	mux := &resolve.Mux{ByScheme: map[string]viewer.Resolver{
		"http":  httpRes,
		"https": httpRes,
	}}
	if src.Bucket != "" && src.S3 != nil {
		mux.ByScheme["s3"] = resolve.S3Resolver{Client: src.S3, Bucket: src.Bucket}
	}
	// relative urls are joined before the token origin check
	return resolve.WithBaseURL(resolve.WithDefaultToken(mux, src.Token, src.BaseURL), src.BaseURL)
}

func (src sources) fetcher() engine.Fetcher {
	httpF := engine.NewHTTPFetcher(nil)
	f := engine.SchemeFetcher{
		"blob":  engine.BlobFetcher{Handles: src.Handles},
		"http":  httpF,
		"https": httpF,
	}
	if src.Bucket != "" && src.S3 != nil {
		f["s3"] = engine.S3Fetcher{Client: src.S3, Bucket: src.Bucket}
	}
	return f
}
