// Package archive keeps a write-once copy of every exported snapshot in a
// Google Cloud Storage bucket. Objects are addressed by deal and content
// hash, so an object that already exists must hold identical bytes.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// ErrExists is returned by ObjectStore.Create when the object is present.
var ErrExists = errors.New("object already exists")

// ObjectStore is the slice of a bucket the archive needs.
type ObjectStore interface {
	// Create writes a new object and fails with ErrExists if it is present.
	Create(ctx context.Context, object string, data []byte, metadata map[string]string) error
	Read(ctx context.Context, object string) ([]byte, error)
}

// Archive writes snapshots to a bucket.
type Archive struct {
	objects ObjectStore
	bucket  string
	prefix  string
	log     zerolog.Logger
}

// NewWithStore creates an archive over objects.
func NewWithStore(objects ObjectStore, bucket, prefix string, log zerolog.Logger) *Archive {
	return &Archive{
		objects: objects,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		log:     log.With().Str("component", "archive").Str("bucket", bucket).Logger(),
	}
}

// New creates an archive backed by GCS. It assumes Application Default
// Credentials are configured. Close releases the client.
func New(ctx context.Context, bucket, prefix string, log zerolog.Logger) (*Archive, func() error, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("archive.New: create storage client: %w", err)
	}
	a := NewWithStore(&gcsStore{bucket: client.Bucket(bucket)}, bucket, prefix, log)
	return a, client.Close, nil
}

// ObjectName is where a snapshot is stored inside the bucket.
func (a *Archive) ObjectName(s *domain.Snapshot) string {
	return path.Join(a.prefix, s.DealID, s.SHA256Hash+".json")
}

// URI is the gs:// address of a snapshot.
func (a *Archive) URI(s *domain.Snapshot) string {
	return "gs://" + a.bucket + "/" + a.ObjectName(s)
}

// Put stores the snapshot's canonical JSON unless an identical copy is
// already archived. A different copy under the same name is reported as
// domain.ErrHashCollision.
func (a *Archive) Put(ctx context.Context, s *domain.Snapshot) (string, error) {
	name := a.ObjectName(s)
	meta := map[string]string{
		"snapshot_id":     s.ID,
		"analysis_run_id": s.AnalysisRunID,
		"schema_version":  s.SchemaVersion,
		"config_version":  s.ConfigVersion,
	}
	err := a.objects.Create(ctx, name, []byte(s.CanonicalJSON), meta)
	switch {
	case err == nil:
		a.log.Info().Str("deal_id", s.DealID).Str("object", name).Msg("snapshot archived")
		return a.URI(s), nil
	case errors.Is(err, ErrExists):
		existing, rerr := a.objects.Read(ctx, name)
		if rerr != nil {
			return "", fmt.Errorf("archive.Put: read existing %s: %w", name, rerr)
		}
		if !bytes.Equal(existing, []byte(s.CanonicalJSON)) {
			return "", fmt.Errorf("archive.Put: %s holds different content: %w", name, domain.ErrHashCollision)
		}
		return a.URI(s), nil
	default:
		return "", fmt.Errorf("archive.Put: %s: %w", name, err)
	}
}

// Fetch reads an archived object by gs:// URI. The bucket must be the
// archive's own.
func (a *Archive) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("archive.Fetch: %w", err)
	}
	if bucket != a.bucket {
		return nil, fmt.Errorf("archive.Fetch: bucket %s is not %s: %w", bucket, a.bucket, domain.ErrInvalidInput)
	}
	data, err := a.objects.Read(ctx, object)
	if err != nil {
		return nil, fmt.Errorf("archive.Fetch: %w", err)
	}
	return data, nil
}

// ParseURI splits gs://bucket/object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI %q: %w", uri, domain.ErrInvalidInput)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path) %q: %w", uri, domain.ErrInvalidInput)
	}
	return parts[0], parts[1], nil
}

type gcsStore struct {
	bucket *storage.BucketHandle
}

func (g *gcsStore) Create(ctx context.Context, object string, data []byte, metadata map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.bucket.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = metadata
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return ErrExists
		}
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}

func (g *gcsStore) Read(ctx context.Context, object string) ([]byte, error) {
	r, err := g.bucket.Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", object, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("open GCS object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GCS object: %w", err)
	}
	return data, nil
}
