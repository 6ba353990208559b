// Package storage maps the pipeline's logical collections onto object store
// keys and defines the object store contract the repository is built on.
//
// The store offers no transactions: a put followed by a delete is two
// independent requests and readers may observe either intermediate state.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// ErrPreconditionFailed is returned by PutIfAbsent when the key is taken.
var ErrPreconditionFailed = errors.New("object already exists")

// ErrSigningUnsupported is returned by wrappers whose backing store cannot
// sign URLs.
var ErrSigningUnsupported = errors.New("store cannot sign URLs")

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is the bucket-scoped key/value contract.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// PutIfAbsent writes only when no object exists at key, otherwise it
	// fails with ErrPreconditionFailed. The check and the write are one
	// request to the store.
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// URLSigner is implemented by stores that can hand out temporary read URLs.
type URLSigner interface {
	SignedURL(ctx context.Context, key string) (string, error)
}
