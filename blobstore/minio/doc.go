// Package minio provides a blobstore.Store implementation using the MinIO client.
//
// MinIO is an S3-compatible object store that is common on HPC clusters
// without cloud access. The same client also talks to Ceph, SeaweedFS and
// Garage.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "results", "districts/")
package minio
