// Package source abstracts where an entity's rows come from.
package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/internal/remote"
	"github.com/arkilian/rowcache/pkg/types"
)

// RowSource produces the rows to materialize. A nil slice with a nil error
// means the entity defines no rows and is built from its schema alone.
type RowSource interface {
	Fetch(ctx context.Context) ([]types.Row, error)
}

// StaticRows returns a fixed collection.
type StaticRows struct {
	Rows []types.Row
}

// Fetch returns the fixed collection.
func (s StaticRows) Fetch(ctx context.Context) ([]types.Row, error) {
	return s.Rows, nil
}

// ComputedRows calls its function on every fetch; results may differ between calls.
type ComputedRows struct {
	Compute types.ComputeFunc
}

// Fetch computes a fresh collection.
func (c ComputedRows) Fetch(ctx context.Context) ([]types.Row, error) {
	if c.Compute == nil {
		return nil, nil
	}
	return c.Compute(ctx)
}

// RemoteRows lists rows from the API.
type RemoteRows struct {
	Client *remote.Client
	Path   string
}

// Fetch issues GET <Path> and decodes the JSON body. Bodies may be a bare
// array of objects or an object wrapping the array under "data".
func (r RemoteRows) Fetch(ctx context.Context) ([]types.Row, error) {
	if r.Client == nil {
		return nil, rcerrors.NewTransportError(fmt.Errorf("no API client configured for %q", r.Path))
	}
	resp, err := r.Client.Request(ctx, http.MethodGet, r.Path, nil)
	if err != nil {
		return nil, err
	}
	return DecodeRows(resp.Body)
}

// DecodeRows decodes an API list payload into rows.
func DecodeRows(body []byte) ([]types.Row, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '{' {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, decodeError(err)
		}
		if len(envelope.Data) == 0 {
			return nil, decodeError(fmt.Errorf("object payload has no data array"))
		}
		trimmed = envelope.Data
	}

	var rows []types.Row
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, decodeError(err)
	}
	return rows, nil
}

func decodeError(cause error) error {
	return rcerrors.Wrap(rcerrors.ErrCategoryRemote, rcerrors.CodeDecodeFailed, "failed to decode API rows", cause)
}

// ForEntity selects the row source for an entity's mode. It returns nil for
// schema-only entities.
func ForEntity(e *types.Entity, client *remote.Client) RowSource {
	switch e.Mode {
	case types.StaticRows:
		return StaticRows{Rows: e.Rows}
	case types.ComputedRows:
		return ComputedRows{Compute: e.Compute}
	case types.RemoteBacked:
		return RemoteRows{Client: client, Path: e.URI()}
	default:
		return nil
	}
}

// Fetch resolves the entity's source and fetches its rows.
func Fetch(ctx context.Context, e *types.Entity, client *remote.Client) ([]types.Row, error) {
	src := ForEntity(e, client)
	if src == nil {
		return nil, nil
	}
	return src.Fetch(ctx)
}
