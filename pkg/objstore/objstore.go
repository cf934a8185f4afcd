// Package objstore publishes staged files to durable object storage and lists
// what has already been published.
//
// A store is addressed by URI:
//
//	s3://bucket[/prefix]
//	gs://bucket[/prefix]
//	azblob://account/container[/prefix]
//	file:///dir  (or a plain local path)
//
// Keys passed to List and Put are logical keys such as
// "green/green_tripdata_2019-03.parquet". The URI prefix is prepended on
// write and stripped on list.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store is a durable object store.
type Store interface {
	// List returns every logical key beginning with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Put uploads the file at localPath under key, replacing any prior object.
	// Failures are *PublishError.
	Put(ctx context.Context, key, localPath string) error
	// String identifies the store in logs.
	String() string
	// Close releases client resources.
	Close() error
}

// ErrInvalidURI indicates a store URI that cannot be parsed.
var ErrInvalidURI = errors.New("invalid store URI")

// PublishError reports a failed upload.
type PublishError struct {
	Store string
	Key   string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Key, e.Store, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Scheme names a store backend.
type Scheme string

const (
	SchemeS3    Scheme = "s3"
	SchemeGCS   Scheme = "gs"
	SchemeAzure Scheme = "azblob"
	SchemeFile  Scheme = "file"
)

// Location is a parsed store URI.
type Location struct {
	Scheme Scheme
	// Account is the Azure storage account; empty for other schemes.
	Account string
	// Bucket is the bucket or container name, or the directory for file stores.
	Bucket string
	// Prefix is prepended to every logical key.
	Prefix string
}

// ParseURI parses a store URI. A string without a scheme is a local directory.
func ParseURI(uri string) (Location, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		if uri == "" {
			return Location{}, fmt.Errorf("%w: empty", ErrInvalidURI)
		}
		return Location{Scheme: SchemeFile, Bucket: filepath.Clean(uri)}, nil
	}

	switch Scheme(strings.ToLower(scheme)) {
	case SchemeFile:
		if rest == "" {
			return Location{}, fmt.Errorf("%w: %q missing path", ErrInvalidURI, uri)
		}
		return Location{Scheme: SchemeFile, Bucket: filepath.Clean(rest)}, nil
	case SchemeS3, SchemeGCS:
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("%w: %q missing bucket name", ErrInvalidURI, uri)
		}
		return Location{Scheme: Scheme(strings.ToLower(scheme)), Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
	case SchemeAzure:
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Location{}, fmt.Errorf("%w: %q must be azblob://account/container[/prefix]", ErrInvalidURI, uri)
		}
		loc := Location{Scheme: SchemeAzure, Account: parts[0], Bucket: parts[1]}
		if len(parts) == 3 {
			loc.Prefix = strings.Trim(parts[2], "/")
		}
		return loc, nil
	default:
		return Location{}, fmt.Errorf("%w: unsupported scheme %q (supported: s3, gs, azblob, file)", ErrInvalidURI, scheme)
	}
}

// String renders the location back as a URI.
func (l Location) String() string {
	switch l.Scheme {
	case SchemeFile:
		return "file://" + l.Bucket
	case SchemeAzure:
		return joinKey(string(l.Scheme)+"://"+l.Account+"/"+l.Bucket, l.Prefix)
	default:
		return joinKey(string(l.Scheme)+"://"+l.Bucket, l.Prefix)
	}
}

// AzureConnectionStringEnv, when set, authenticates azblob stores instead of
// the default Azure credential chain.
const AzureConnectionStringEnv = "AZURE_STORAGE_CONNECTION_STRING"

// Open connects to the store at uri using ambient credentials.
func Open(ctx context.Context, uri string) (Store, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case SchemeS3:
		return NewS3Store(ctx, loc)
	case SchemeGCS:
		return NewGCSStore(ctx, loc)
	case SchemeAzure:
		return NewAzureStore(loc, os.Getenv(AzureConnectionStringEnv))
	default:
		return NewLocalStore(loc.Bucket)
	}
}

// joinKey joins a store prefix and a logical key with a single slash.
func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(key, "/")
	}
}

// listPrefix returns the physical prefix to list for a logical prefix.
// With a store prefix, the logical prefix is always below "prefix/".
func listPrefix(storePrefix, logical string) string {
	if storePrefix == "" {
		return logical
	}
	return strings.TrimRight(storePrefix, "/") + "/" + strings.TrimLeft(logical, "/")
}

// logicalKey strips the store prefix from a physical key. ok is false for
// keys outside the prefix.
func logicalKey(storePrefix, physical string) (string, bool) {
	if storePrefix == "" {
		return physical, true
	}
	rest, ok := strings.CutPrefix(physical, strings.TrimRight(storePrefix, "/")+"/")
	return rest, ok && rest != ""
}

// contentType guesses the MIME type of a published file from its key.
func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	case path.Ext(key) == ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
