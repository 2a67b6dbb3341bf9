// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package couchdb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
)

func newTestClient(t *testing.T, srv *httptest.Server) *couchdb.Client {
	t.Helper()
	c, err := couchdb.NewClient(couchdb.Config{URL: srv.URL, Parallelism: 2})
	require.NoError(t, err)
	return c
}

func TestHeadDatabaseExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	require.NoError(t, c.HeadDatabase(context.Background(), "animaldb"))
}

func TestHeadDatabaseNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.HeadDatabase(context.Background(), "animaldb")
	require.Error(t, err)
	cbErr, ok := cberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, cberrors.DatabaseNotFound, cbErr.Kind())
	assert.Equal(t, 10, cbErr.ExitCode())
}

func TestHeadDatabaseUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.HeadDatabase(context.Background(), "animaldb")
	require.Error(t, err)
	cbErr, ok := cberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, cberrors.Unauthorized, cbErr.Kind())
}

func TestPostBulkGetNotSupportedIsBulkGetError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.PostBulkGet(context.Background(), "animaldb", nil)
	require.Error(t, err)
	cbErr, ok := cberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, cberrors.BulkGetError, cbErr.Kind())
	assert.Equal(t, 50, cbErr.ExitCode())
}

func TestPostBulkGetFiltersToOKRowsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/animaldb/_bulk_get", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[
			{"docs":[{"ok":{"_id":"a","_rev":"1-x"}}]},
			{"docs":[{"error":{"id":"missing"}}]}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	docs, err := c.PostBulkGet(context.Background(), "animaldb", []couchdb.DocRef{{ID: "a"}, {ID: "missing"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(docs[0], &decoded))
	assert.Equal(t, "a", decoded["_id"])
}

func TestPostBulkDocsNewEditsFalseRoundTrips(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	results, err := c.PostBulkDocs(context.Background(), "animaldb",
		[]json.RawMessage{[]byte(`{"_id":"a","_rev":"1-x"}`)}, false)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, false, gotBody["new_edits"])
}

func TestRequestRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var retries int
	c, err := couchdb.NewClient(couchdb.Config{
		URL: srv.URL, Parallelism: 1,
		OnRetry: func() { retries++ },
	})
	require.NoError(t, err)

	require.NoError(t, c.HeadDatabase(context.Background(), "animaldb"))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retries)
}

func TestRequestExhaustsRetriesAsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var failedKind string
	c, err := couchdb.NewClient(couchdb.Config{
		URL: srv.URL, Parallelism: 1,
		OnFatalError: func(kind string) { failedKind = kind },
	})
	require.NoError(t, err)

	_, err = c.PostBulkDocs(context.Background(), "animaldb", nil, true)
	require.Error(t, err)
	cbErr, ok := cberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, cberrors.HTTPFatalError, cbErr.Kind())
	assert.Equal(t, 40, cbErr.ExitCode())
	assert.Contains(t, cbErr.Error(), "503")
	assert.Contains(t, cbErr.Error(), "_bulk_docs")
	assert.Equal(t, "HTTPFatalError", failedKind)
	// Every attempt was transient in isolation, but once attempts are
	// exhausted the surfaced error must not still claim to be retriable.
	assert.False(t, cbErr.IsTransient())
	assert.False(t, cberrors.IsTransient(err))
}

func TestRequestTimeoutDoesNotBoundSuccessfulStreamingBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Write([]byte("{"))
		flusher.Flush()
		time.Sleep(30 * time.Millisecond)
		w.Write([]byte("}"))
	}))
	defer srv.Close()

	c, err := couchdb.NewClient(couchdb.Config{
		URL: srv.URL, Parallelism: 1,
		RequestTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	body, err := c.PostChanges(context.Background(), "animaldb", "0", 100)
	require.NoError(t, err)
	defer body.Close()

	// The per-attempt watchdog (10ms) is shorter than the body's total
	// transfer time (30ms sleep mid-stream); reading must still succeed
	// because the deadline is disarmed once headers arrive.
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestSessionLoginUsesURLUserInfo(t *testing.T) {
	var sawLogin bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_session" && r.Method == http.MethodPost {
			sawLogin = true
			http.SetCookie(w, &http.Cookie{Name: "AuthSession", Value: "abc123"})
			w.WriteHeader(http.StatusOK)
			return
		}
		// A request made without the cookie would never reach here in a
		// real server, but the stub always allows it through; assert the
		// cookie got attached instead.
		assert.True(t, strings.Contains(r.Header.Get("Cookie"), "AuthSession"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := strings.Replace(srv.URL, "http://", "http://user:pass@", 1)
	c, err := couchdb.NewClient(couchdb.Config{URL: u, Parallelism: 1})
	require.NoError(t, err)

	require.NoError(t, c.HeadDatabase(context.Background(), "animaldb"))
	assert.True(t, sawLogin)
}
