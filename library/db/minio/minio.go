// Package minio builds S3-compatible object storage clients.
package minio

import (
	"github.com/Laisky/errors/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DialInfo defines the object storage connection information.
type DialInfo struct {
	Endpoint,
	AccessKey,
	SecretKey string
	Secure bool
}

// NewClient creates a minio client, it does not contact the server.
func NewClient(dialInfo DialInfo) (*minio.Client, error) {
	if dialInfo.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}

	cli, err := minio.New(dialInfo.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(dialInfo.AccessKey, dialInfo.SecretKey, ""),
		Secure: dialInfo.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new minio client")
	}

	return cli, nil
}
