// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := s3.NewFromConfig(cfg)
//	store := s3blob.NewStore(client, "hpc-results", "districts/n8/")
//
// Uploads go through the SDK's multipart uploader, so snapshots larger than
// a single PUT stream from disk without being buffered whole.
package s3
