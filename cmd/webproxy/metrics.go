package main

import (
	"net/http"
	"net/http/httptest"
)

// renderMetrics drives promhttp's net/http handler through an in-memory
// request/response pair, since the pipeline's connection loop speaks raw
// sockets rather than net/http. The rendered body and content type are
// forwarded verbatim to the client.
func renderMetrics(handler http.Handler) (body []byte, contentType string, err error) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Body.Bytes(), rec.Header().Get("Content-Type"), nil
}
