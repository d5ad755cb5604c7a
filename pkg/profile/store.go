package profile

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store loads and saves profiles.
type Store interface {
	// Load returns the stored profile. It returns an error satisfying
	// IsNotFound when nothing has been saved yet.
	Load(ctx context.Context) (Profile, error)

	// Save replaces the stored profile.
	Save(ctx context.Context, p Profile) error

	// Location describes where the profile lives (path or URI).
	Location() string
}

// Open returns the store addressed by uri.
//
// Supported forms:
//
//	/path/to/profile.yaml
//	file:///path/to/profile.yaml
//	s3://bucket/key/profile.yaml
//
// S3 stores use the AWS SDK default credential chain; see S3Config for
// explicit overrides. The query parameters region, endpoint, profile and
// force_path_style are honored for s3 URIs.
func Open(ctx context.Context, uri string) (Store, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURI)
	}

	if !strings.Contains(uri, "://") {
		return NewFileStore(uri), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		if path == "" {
			return nil, fmt.Errorf("%w: missing path in %q", ErrInvalidURI, uri)
		}
		return NewFileStore(path), nil
	case "s3":
		cfg, err := parseS3URI(u)
		if err != nil {
			return nil, err
		}
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
}

func parseS3URI(u *url.URL) (S3Config, error) {
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return S3Config{}, fmt.Errorf("%w: s3 uri must be s3://bucket/key", ErrInvalidURI)
	}

	q := u.Query()
	return S3Config{
		Bucket:         u.Host,
		Key:            key,
		Region:         q.Get("region"),
		Endpoint:       q.Get("endpoint"),
		Profile:        q.Get("profile"),
		ForcePathStyle: q.Get("force_path_style") == "true",
	}, nil
}
