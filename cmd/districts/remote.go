package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/districts/blobstore"
	miniostore "github.com/hupe1980/districts/blobstore/minio"
	s3store "github.com/hupe1980/districts/blobstore/s3"
)

// openRemote opens the snapshot mirror named by raw:
//
//	file:///shared/snapshots
//	s3://bucket/prefix          (AWS default credential chain)
//	minio://host:9000/bucket/prefix (MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_SECURE)
func openRemote(ctx context.Context, raw string) (blobstore.Store, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot remote: %w", err)
	}

	switch u.Scheme {
	case "file":
		dir := u.Path
		if u.Host != "" {
			// file://relative/dir
			dir = u.Host + u.Path
		}
		if dir == "" {
			return nil, fmt.Errorf("snapshot remote %q: missing directory", raw)
		}
		return blobstore.NewLocalStore(dir), nil

	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("snapshot remote %q: missing bucket", raw)
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot remote: aws config: %w", err)
		}
		return s3store.NewStore(awss3.NewFromConfig(cfg), u.Host, strings.Trim(u.Path, "/")), nil

	case "minio":
		bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
		if u.Host == "" || bucket == "" {
			return nil, fmt.Errorf("snapshot remote %q: want minio://host/bucket[/prefix]", raw)
		}
		secure := false
		if v := os.Getenv("MINIO_SECURE"); v != "" {
			if secure, err = strconv.ParseBool(v); err != nil {
				return nil, fmt.Errorf("MINIO_SECURE: %w", err)
			}
		}
		client, err := minio.New(u.Host, &minio.Options{
			Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
			Secure: secure,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot remote: minio client: %w", err)
		}
		return miniostore.NewStore(client, bucket, prefix), nil

	default:
		return nil, fmt.Errorf("snapshot remote %q: unsupported scheme %q", raw, u.Scheme)
	}
}
