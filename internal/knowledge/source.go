package knowledge

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Bundle document names.
const (
	FormularyFile    = "formulary.yaml"
	RenalFile        = "renal.yaml"
	InteractionsFile = "interactions.yaml"
)

// Source supplies the raw bundle documents.
type Source interface {
	Read(ctx context.Context, name string) ([]byte, error)
	String() string
}

//go:embed data/*.yaml
var embedded embed.FS

// EmbeddedSource serves the bundle compiled into the binary.
type EmbeddedSource struct{}

func (EmbeddedSource) Read(_ context.Context, name string) ([]byte, error) {
	return fs.ReadFile(embedded, path.Join("data", name))
}

func (EmbeddedSource) String() string { return "embedded" }

// DirSource reads the bundle from a directory on disk.
type DirSource struct {
	Dir string
}

func (d DirSource) Read(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.Dir, name))
}

func (d DirSource) String() string { return "dir:" + d.Dir }

// ObjectStoreConfig locates a bundle in S3-compatible object storage.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// Validate checks the configuration before a client is built.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("object store endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("object store bucket is required")
	}
	return nil
}

// ObjectSource reads the bundle from a MinIO or S3 bucket.
type ObjectSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectSource connects to the object store described by cfg.
func NewObjectSource(cfg ObjectStoreConfig) (*ObjectSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &ObjectSource{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (o *ObjectSource) key(name string) string {
	if o.prefix == "" {
		return name
	}
	return o.prefix + "/" + name
}

func (o *ObjectSource) Read(ctx context.Context, name string) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", o.key(name), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", o.key(name), err)
	}
	return data, nil
}

func (o *ObjectSource) String() string {
	return "s3://" + o.bucket + "/" + o.prefix
}

// ParseSourceURI maps a configured location onto a Source: "embedded" (or
// empty), "dir:/path", or "s3://bucket/prefix" using objCfg for credentials.
func ParseSourceURI(uri string, objCfg ObjectStoreConfig) (Source, error) {
	switch {
	case uri == "" || uri == "embedded":
		return EmbeddedSource{}, nil
	case strings.HasPrefix(uri, "dir:"):
		return DirSource{Dir: strings.TrimPrefix(uri, "dir:")}, nil
	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		objCfg.Bucket = bucket
		objCfg.Prefix = prefix
		src, err := NewObjectSource(objCfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, fmt.Errorf("unsupported knowledge source %q", uri)
}
