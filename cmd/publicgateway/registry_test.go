package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterHandlerRequiresBearerSecret(t *testing.T) {
	r := NewRegistry("s3cret")
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/_register",
		strings.NewReader(`{"hostname":"worker.example","backend":"http://127.0.0.1:9999"}`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterHandlerAddsAndRemovesBackend(t *testing.T) {
	r := NewRegistry("s3cret")
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/_register",
		strings.NewReader(`{"hostname":"worker.example","backend":"http://127.0.0.1:9999"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, []string{"worker.example"}, r.Hostnames())

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/_register",
		strings.NewReader(`{"hostname":"worker.example","remove":true}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	require.Empty(t, r.Hostnames())
}

func TestServeHTTPProxiesToRegisteredBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	r := NewRegistry("s3cret")
	require.NoError(t, r.set("worker.example", backend.URL))

	req := httptest.NewRequest(http.MethodGet, "http://worker.example/whatever", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestServeHTTPNotFoundForUnknownHost(t *testing.T) {
	r := NewRegistry("s3cret")
	req := httptest.NewRequest(http.MethodGet, "http://unregistered.example/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
