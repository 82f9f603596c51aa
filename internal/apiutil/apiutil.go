// Package apiutil provides shared JSON response helpers for the mlsds xrpc
// API. internal/xrpc imports this package instead of duplicating
// writeJSON / writeError in every handler file.
package apiutil

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mlsds/mlsds/internal/apierror"
)

// Bytes is the wire representation of opaque binary payloads (KeyPackage and
// ciphertext bodies): {"$bytes": "<standard base64>"}. models.KeyPackage and
// models.Envelope both exclude their raw []byte fields from JSON (json:"-"),
// so every xrpc handler that accepts or returns one decodes/encodes through
// this type rather than relying on Go's default []byte-as-base64-string
// encoding, keeping the wire shape self-describing.
type Bytes []byte

type bytesWire struct {
	B64 string `json:"$bytes"`
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(bytesWire{B64: base64.StdEncoding.EncodeToString(b)})
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var w bytesWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(w.B64)
	if err != nil {
		return fmt.Errorf("apiutil: invalid $bytes payload: %w", err)
	}
	*b = decoded
	return nil
}

// ErrorResponse is the standard error envelope returned by the API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error code, human-readable message, and any
// structured retry context (e.g. currentEpoch on a stale-epoch conflict).
type ErrorBody struct {
	Code    apierror.Code  `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// SuccessResponse is the standard success envelope returned by the API.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// WriteJSON writes a JSON response with the given status code and data wrapped
// in the standard success envelope {"data": ...}.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SuccessResponse{Data: data})
}

// WriteJSONRaw writes a JSON response with the given status code without
// wrapping in the success envelope. Used for xrpc procedures that define
// their own top-level response shape.
func WriteJSONRaw(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError translates any error into the standard error envelope
// {"error": {"code", "message", "context"}}. If err is not an *apierror.Error
// it is logged and reported to the caller as an opaque internal error, never
// leaking the underlying message.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	apiErr, ok := apierror.As(err)
	if !ok {
		logger.Error("unclassified error reached xrpc boundary", slog.String("error", err.Error()))
		apiErr = apierror.New(apierror.Internal, apierror.CodeInternal, "internal error")
	}
	if apiErr.Kind == apierror.Internal {
		logger.Error("internal error", slog.String("code", string(apiErr.Code)), slog.String("message", apiErr.Message))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Context: apiErr.Context,
		},
	})
}

// WriteNoContent writes a 204 No Content response with no body.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// DecodeJSON reads JSON from the request body into dst. On failure it writes
// a Validation error response and returns false so the caller can return
// early.
func DecodeJSON(w http.ResponseWriter, logger *slog.Logger, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "invalid request body"))
		return false
	}
	return true
}

// WithTx runs fn inside a database transaction. It begins a transaction,
// calls fn, and commits if fn returns nil. If fn returns an error or panics,
// the transaction is rolled back. Post-commit work (event publishing,
// writing the HTTP response) should happen after WithTx returns nil.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return apierror.Internalf(err, "beginning transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return apierror.Internalf(err, "transaction body")
	}
	if err := tx.Commit(ctx); err != nil {
		return apierror.Internalf(err, "committing transaction")
	}
	return nil
}
