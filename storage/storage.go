// Package storage keeps pipeline artifacts either in a Google Cloud Storage
// bucket or in a local directory.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"nbaattend/utils"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storagev1 "google.golang.org/api/storage/v1"
)

var ErrNotFound = errors.New("artifact not found")

// ArtifactStore saves and reads named artifacts. Put returns a location
// string suitable for logging and the artifact log.
type ArtifactStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

type Local struct {
	Dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &Local{Dir: dir}, nil
}

func (l *Local) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	path := filepath.Join(l.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", utils.ErrorWithTrace(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", utils.ErrorWithTrace(err)
	}
	return path, nil
}

func (l *Local) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return data, nil
}

// GCS stores artifacts as objects in one bucket.
type GCS struct {
	bucket string
	svc    *storagev1.Service
}

// NewGCS authenticates with a service account key file.
func NewGCS(ctx context.Context, keyFile, projectID, bucket string) (*GCS, error) {
	b, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	jwtConfig, err := google.JWTConfigFromJSON(b, storagev1.DevstorageReadWriteScope)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	opts := []option.ClientOption{option.WithHTTPClient(jwtConfig.Client(ctx))}
	if projectID != "" {
		opts = append(opts, option.WithQuotaProject(projectID))
	}
	return newGCS(ctx, bucket, opts...)
}

func newGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("no bucket configured")
	}
	svc, err := storagev1.NewService(ctx, opts...)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &GCS{bucket: bucket, svc: svc}, nil
}

func (g *GCS) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	obj := &storagev1.Object{Name: name, ContentType: contentType}
	_, err := g.svc.Objects.Insert(g.bucket, obj).
		Media(bytes.NewReader(data), googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	if err != nil {
		return "", utils.ErrorWithTrace(fmt.Errorf("upload %s to %s: %w", name, g.bucket, err))
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, name), nil
}

func (g *GCS) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	resp, err := g.svc.Objects.Get(g.bucket, name).Context(ctx).Download()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, g.bucket, name)
		}
		return nil, utils.ErrorWithTrace(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return data, nil
}

// Open picks GCS when a bucket and key file are given, the local directory
// otherwise.
func Open(ctx context.Context, bucket, keyFile, projectID, dir string) (ArtifactStore, error) {
	if bucket != "" && keyFile != "" {
		return NewGCS(ctx, keyFile, projectID, bucket)
	}
	return NewLocal(dir)
}
