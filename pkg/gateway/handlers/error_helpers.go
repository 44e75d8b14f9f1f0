package handlers

import (
	"context"
	"net/http"

	"github.com/voxbridge/voxbridge/pkg/gateway/apierror"
	"github.com/voxbridge/voxbridge/pkg/gateway/mw"
)

// writeError maps err onto the canonical error envelope and writes it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := apierror.FromError(err, requestIDFromContext(r.Context()))
	apierror.Write(w, status, apiErr)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *apierror.Error) {
	if apiErr.RequestID == "" {
		apiErr.RequestID = requestIDFromContext(r.Context())
	}
	apierror.Write(w, apierror.StatusFor(apiErr.Type), apiErr)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
