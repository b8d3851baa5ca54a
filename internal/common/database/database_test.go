package database

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeES answers the handful of endpoints the client uses.
type fakeES struct {
	mu       sync.Mutex
	indices  map[string]string
	docs     map[string]string
	failDocs bool
}

func newFakeES(t *testing.T) (*fakeES, *httptest.Server) {
	f := &fakeES{indices: map[string]string{}, docs: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeES) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, `{"version":{"number":"8.11.0"},"tagline":"You Know, for Search"}`)
	case len(parts) == 1 && r.Method == http.MethodHead:
		if _, ok := f.indices[parts[0]]; ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case len(parts) == 1 && r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if _, ok := f.indices[parts[0]]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"type":"resource_already_exists_exception"}}`)
			return
		}
		f.indices[parts[0]] = string(body)
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(parts) == 3 && parts[1] == "_doc":
		if f.failDocs {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"boom"}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.docs[parts[0]+"/"+parts[2]] = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestElasticsearch_EnsureIndexAndIndex(t *testing.T) {
	fake, srv := newFakeES(t)

	es, err := NewElasticsearch(ElasticsearchConfig{URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, es.Ping(context.Background()))

	ctx := context.Background()
	require.NoError(t, es.EnsureIndex(ctx, "security-events", `{"mappings":{}}`))
	require.NoError(t, es.EnsureIndex(ctx, "security-events", `{"mappings":{}}`))
	fake.mu.Lock()
	assert.Equal(t, `{"mappings":{}}`, fake.indices["security-events"])
	fake.mu.Unlock()

	require.NoError(t, es.Index(ctx, "security-events", "evt-1", []byte(`{"type":"risk.attempt.created"}`)))
	fake.mu.Lock()
	assert.Equal(t, `{"type":"risk.attempt.created"}`, fake.docs["security-events/evt-1"])
	fake.failDocs = true
	fake.mu.Unlock()
	assert.Error(t, es.Index(ctx, "security-events", "evt-2", []byte(`{}`)))
}

func TestElasticsearch_RequiresURL(t *testing.T) {
	_, err := NewElasticsearch(ElasticsearchConfig{})
	assert.Error(t, err)

	_, err = NewElasticsearch(ElasticsearchConfig{URL: "http://127.0.0.1:1", CACert: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Client.Set(context.Background(), "k", "v", 0).Err())
	got, _ := mr.Get("k")
	assert.Equal(t, "v", got)

	mr.Close()
	assert.Error(t, client.Ping(context.Background()))
}

func TestRedis_BadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestPostgres_BadConnString(t *testing.T) {
	_, err := NewPostgres(context.Background(), "postgres://%zz", PoolConfig{})
	assert.Error(t, err)
}
