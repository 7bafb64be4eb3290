package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("boom")
	err := &exitCodeError{code: exitFatal, err: inner}

	assert.Equal(t, "boom", err.Error())
	assert.ErrorIs(t, err, inner)

	var ec *exitCodeError
	require.True(t, errors.As(error(err), &ec))
	assert.Equal(t, exitFatal, ec.code)
}

func TestGetJSON_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()
	serverURL = srv.URL

	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, getJSON("/health", time.Second, &out))
	assert.Equal(t, "ok", out.Status)
}

func TestGetJSON_NonOKIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	serverURL = srv.URL

	var out map[string]any
	err := getJSON("/health", time.Second, &out)

	var ec *exitCodeError
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, exitFatal, ec.code)
}

func TestPostJSON_ReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":"safety checks failed"}`)
	}))
	defer srv.Close()
	serverURL = srv.URL

	status, body, err := postJSON("/api/v1/promotion", time.Second, map[string]string{"performedBy": "x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body), "safety checks failed")
}
