package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/backend/rest"
	"github.com/mschirtzinger/dirwatch/internal/config"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
	"github.com/mschirtzinger/dirwatch/internal/logging"
)

// remoteStore serves the REST backend endpoints and assigns its own IDs.
type remoteStore struct {
	mu      sync.Mutex
	leaves  map[string]string
	props   map[string]string
	samples map[string]int
}

func newRemoteStore(t *testing.T) (*remoteStore, *rest.Client) {
	t.Helper()
	rs := &remoteStore{
		leaves:  make(map[string]string),
		props:   make(map[string]string),
		samples: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /nodes", rs.upsert(nil))
	mux.HandleFunc("POST /leaves", rs.upsert(rs.leaves))
	mux.HandleFunc("POST /relationships", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /leaves", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		dataID := r.URL.Query().Get("data_id")
		id, ok := rs.leaves[dataID]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(backend.Ref{DataID: dataID, ID: id})
	})
	mux.HandleFunc("GET /items/{id}/properties/{name}", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		v, ok := rs.props[r.PathValue("id")+"/"+r.PathValue("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"value": v})
	})
	mux.HandleFunc("PUT /items/{id}/properties/{name}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Value string `json:"value"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rs.mu.Lock()
		defer rs.mu.Unlock()
		rs.props[r.PathValue("id")+"/"+r.PathValue("name")] = body.Value
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /leaves/{id}/samples", func(w http.ResponseWriter, r *http.Request) {
		var samples []backend.Sample
		_ = json.NewDecoder(r.Body).Decode(&samples)
		rs.mu.Lock()
		defer rs.mu.Unlock()
		rs.samples[r.PathValue("id")] += len(samples)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := rest.New(&rest.Config{
		BaseURL:      srv.URL,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)
	return rs, client
}

// upsert answers a batch with server-assigned IDs, remembering them in ids
// when set.
func (rs *remoteStore) upsert(ids map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []struct {
			DataID string `json:"data_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&items)
		rs.mu.Lock()
		defer rs.mu.Unlock()
		refs := make([]backend.Ref, len(items))
		for i, it := range items {
			refs[i] = backend.Ref{DataID: it.DataID, ID: "srv-" + it.DataID}
			if ids != nil {
				ids[it.DataID] = refs[i].ID
			}
		}
		_ = json.NewEncoder(w).Encode(refs)
	}
}

func (rs *remoteStore) sampleCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := 0
	for _, c := range rs.samples {
		n += c
	}
	return n
}

func TestLeafCommandsUseBackendIDs(t *testing.T) {
	rs, client := newRemoteStore(t)
	ctx := context.Background()

	opts := ingest.DefaultOptions()
	opts.Separator = " >> "
	opts.Logger = logging.Discard()
	p := ingest.New(client, opts)

	conn := config.DefaultConnection()
	conn.ID = "lab"
	conn.PathSeparator = " >> "
	leaf := "Lab >> Line 1 >> Temperature"

	pkt := func(ts string, v float64) ingest.Packet {
		return ingest.Packet{Filename: "a.csv", Records: []ingest.Record{{Path: leaf, Timestamp: ts, Value: ingest.Number(v)}}}
	}

	res := p.Ingest(ctx, pkt("2024-03-01T10:00:00Z", 1))
	require.True(t, res.OK(), "first ingest: %v", res.Err)
	require.Equal(t, 1, rs.sampleCount())

	require.NoError(t, setLeafStatus(ctx, client, conn, leaf, ingest.StatusSealed))

	id, cur, err := leafCursor(ctx, client, conn, leaf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "srv-"), "id = %s", id)
	assert.Equal(t, ingest.StatusSealed, cur.Status)
	assert.True(t, cur.Last.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), "last = %v", cur.Last)

	// The pipeline sees the seal
	res = p.Ingest(ctx, pkt("2024-03-01T10:01:00Z", 2))
	lr, ok := res.Leaf(leaf)
	require.True(t, ok)
	assert.Equal(t, ingest.OutcomeSkipped, lr.Outcome)
	assert.Equal(t, 1, rs.sampleCount())

	// Reset re-admits the leaf until it is activated
	require.NoError(t, setLeafStatus(ctx, client, conn, leaf, ingest.StatusReset))
	res = p.Ingest(ctx, pkt("2024-03-01T10:01:00Z", 2))
	lr, _ = res.Leaf(leaf)
	assert.Equal(t, ingest.OutcomeWritten, lr.Outcome)
	assert.Equal(t, 2, rs.sampleCount())

	require.NoError(t, setLeafStatus(ctx, client, conn, leaf, ingest.StatusActive))
	_, cur, err = leafCursor(ctx, client, conn, leaf)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusActive, cur.Status)
	assert.True(t, cur.Last.Equal(time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)), "last = %v", cur.Last)
}

func TestLeafCommandsRejectUnknownLeaf(t *testing.T) {
	_, client := newRemoteStore(t)
	conn := config.DefaultConnection()

	err := setLeafStatus(context.Background(), client, conn, "Lab/Nope", ingest.StatusSealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has been ingested")

	_, _, err = leafCursor(context.Background(), client, conn, "")
	assert.Error(t, err)
}
