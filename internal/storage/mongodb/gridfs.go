package mongodb

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSProvider implements payload.Provider on a GridFS bucket. The
// payload id is used as GridFS file id.
type GridFSProvider struct {
	bucket *gridfs.Bucket
}

// Create implements payload.Provider
func (g *GridFSProvider) Create(ctx context.Context, id string) (io.WriteCloser, error) {
	// replace existing content
	if err := g.Remove(ctx, id); err != nil {
		return nil, err
	}
	opts := options.GridFSUpload().SetMetadata(bson.M{"payload_id": id})
	stream, err := g.bucket.OpenUploadStreamWithID(id, id, opts)
	if err != nil {
		return nil, fmt.Errorf("opening upload stream: %w", err)
	}
	return stream, nil
}

// Open implements payload.Provider
func (g *GridFSProvider) Open(_ context.Context, id string) (io.ReadCloser, error) {
	stream, err := g.bucket.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	return stream, nil
}

// Remove implements payload.Provider
func (g *GridFSProvider) Remove(_ context.Context, id string) error {
	err := g.bucket.Delete(id)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("deleting payload %s: %w", id, err)
	}
	return nil
}
