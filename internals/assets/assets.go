// Package assets loads the static pages the server answers with.
package assets

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("asset not found")

// Provider returns the bytes of a named asset, ErrNotFound when it does not exist.
type Provider interface {
	Load(ctx context.Context, name string) ([]byte, error)
	SourceName() string
}
