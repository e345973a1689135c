// Package minio stores payloads in S3 compatible object storage
package minio

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the object storage connection settings
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseTLS    bool   `yaml:"useTLS"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Provider implements payload.Provider on a bucket
type Provider struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// New connects to the object store and makes sure the bucket exists
func New(ctx context.Context, cfg Config) (*Provider, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}
	p := &Provider{mc: mc, bucket: cfg.Bucket, prefix: cfg.Prefix}
	if err := p.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) ensureBucket(ctx context.Context) error {
	exists, err := p.mc.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", p.bucket, err)
	}
	if !exists {
		if err := p.mc.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket %s: %w", p.bucket, err)
		}
	}
	return nil
}

func (p *Provider) object(id string) string {
	if p.prefix == "" {
		return id
	}
	return path.Join(p.prefix, id)
}

// uploader streams written content to PutObject
type uploader struct {
	pw   *io.PipeWriter
	done chan error
}

func (u *uploader) Write(b []byte) (int, error) { return u.pw.Write(b) }

func (u *uploader) Close() error {
	if err := u.pw.Close(); err != nil {
		return err
	}
	return <-u.done
}

// Create implements payload.Provider
func (p *Provider) Create(ctx context.Context, id string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	u := &uploader{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := p.mc.PutObject(ctx, p.bucket, p.object(id), pr, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		pr.CloseWithError(err)
		if err != nil {
			err = fmt.Errorf("uploading payload %s: %w", id, err)
		}
		u.done <- err
	}()
	return u, nil
}

// Open implements payload.Provider
func (p *Provider) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := p.mc.GetObject(ctx, p.bucket, p.object(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting payload %s: %w", id, err)
	}
	// GetObject is lazy, Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("getting payload %s: %w", id, err)
	}
	return obj, nil
}

// Remove implements payload.Provider
func (p *Provider) Remove(ctx context.Context, id string) error {
	if err := p.mc.RemoveObject(ctx, p.bucket, p.object(id), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing payload %s: %w", id, err)
	}
	return nil
}
