package handlers

import (
	"net/http"

	"github.com/voxbridge/voxbridge/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, apierror.NewNotFound("not found"))
}
