package checkpoint

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/streamcore/pkg/errors"
)

// GCSStore keeps blobs as objects in a Cloud Storage bucket. A GCS write
// is committed only when the writer closes successfully.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger *zap.Logger
}

// NewGCSStore creates a client, using credentialsFile when set and
// application default credentials otherwise.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string, logger *zap.Logger) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "gcs checkpoint store needs a bucket")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(zap.String("store", "gcs"), zap.String("bucket", bucket)),
	}, nil
}

func (s *GCSStore) object(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

func (s *GCSStore) Put(ctx context.Context, id string, blob []byte) error {
	w := s.bucket.Object(s.object(id)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(blob); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write checkpoint to GCS")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to commit checkpoint to GCS")
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, id string) ([]byte, error) {
	r, err := s.bucket.Object(s.object(id)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open checkpoint in GCS")
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read checkpoint from GCS")
	}
	return data, nil
}

func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	prefix := idPrefix
	if s.prefix != "" {
		prefix = s.prefix + "/" + idPrefix
	}
	var ids []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list checkpoints in GCS")
		}
		ids = append(ids, path.Base(attrs.Name))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *GCSStore) Delete(ctx context.Context, id string) error {
	err := s.bucket.Object(s.object(id)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete checkpoint from GCS")
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
