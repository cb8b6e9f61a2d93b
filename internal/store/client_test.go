package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/config"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return NewClient(config.StoreConfig{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		MaxIdleConns:   2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/users/user-1.json":
			w.Write([]byte(`{"name":"Test User"}`))
		case "/users/absent.json":
			http.NotFound(w, r)
		case "/users/null.json":
			w.Write([]byte("null"))
		case "/users/broken.json":
			w.Write([]byte(`{"name":`))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	t.Run("decodes stored document", func(t *testing.T) {
		var doc struct {
			Name string `json:"name"`
		}
		require.NoError(t, c.GetJSON(ctx, "users/user-1.json", &doc))
		assert.Equal(t, "Test User", doc.Name)
	})

	t.Run("404 is not found", func(t *testing.T) {
		var doc map[string]interface{}
		assert.ErrorIs(t, c.GetJSON(ctx, "users/absent.json", &doc), ErrNotFound)
	})

	t.Run("null body is not found", func(t *testing.T) {
		var doc map[string]interface{}
		assert.ErrorIs(t, c.GetJSON(ctx, "users/null.json", &doc), ErrNotFound)
	})

	t.Run("undecodable body is malformed", func(t *testing.T) {
		var doc map[string]interface{}
		assert.ErrorIs(t, c.GetJSON(ctx, "users/broken.json", &doc), ErrMalformed)
	})
}

func TestClient_GetJSON_RetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var doc map[string]bool
	require.NoError(t, c.GetJSON(context.Background(), "app.json", &doc))
	assert.Equal(t, 3, calls)
	assert.True(t, doc["ok"])
}

func TestClient_GetJSON_ExhaustedRetriesIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var doc map[string]interface{}
	assert.ErrorIs(t, c.GetJSON(context.Background(), "app.json", &doc), ErrUnavailable)
}

func TestClient_Update_ConditionalWrite(t *testing.T) {
	var mu sync.Mutex
	doc := []byte(`{"count":1,"lastFail":0,"banUntil":0}`)
	etag := "etag-1"
	var putAttempts, conflicts int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "true", r.Header.Get("X-Firebase-ETag"))
			w.Header().Set("ETag", etag)
			w.Write(doc)
		case http.MethodPut:
			putAttempts++
			if r.Header.Get("if-match") != etag {
				conflicts++
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			// First write loses the race: the document changes underneath.
			if putAttempts == 1 {
				doc = []byte(`{"count":2,"lastFail":0,"banUntil":0}`)
				etag = "etag-2"
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			doc, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	err := c.Update(context.Background(), "hwid_attempts/h1.json", func(current json.RawMessage) (interface{}, error) {
		var state AttemptState
		require.NoError(t, json.Unmarshal(current, &state))
		state.FailCount++
		return state, nil
	})
	require.NoError(t, err)

	// The retried write saw the concurrent value, so the final count is 3.
	var final AttemptState
	require.NoError(t, json.Unmarshal(doc, &final))
	assert.Equal(t, 3, final.FailCount)
	assert.Equal(t, 2, putAttempts)
}

func TestClient_Update_AbsentDocumentPassesNil(t *testing.T) {
	var stored []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.NotFound(w, r)
		case http.MethodPut:
			stored, _ = io.ReadAll(r.Body)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var sawNil bool
	err := c.Update(context.Background(), "hwid_attempts/h1.json", func(current json.RawMessage) (interface{}, error) {
		sawNil = current == nil
		return AttemptState{FailCount: 1}, nil
	})
	require.NoError(t, err)
	assert.True(t, sawNil)
	assert.JSONEq(t, `{"count":1,"lastFail":0,"banUntil":0}`, string(stored))
}

func TestClient_Update_FnErrorAborts(t *testing.T) {
	var puts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts++
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Update(context.Background(), "app.json", func(current json.RawMessage) (interface{}, error) {
		return nil, ErrMalformed
	})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, puts)
}

func TestClient_Update_SerializesSameKey(t *testing.T) {
	var mu sync.Mutex
	doc := []byte(`{"count":0,"lastFail":0,"banUntil":0}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("ETag", "constant")
			w.Write(doc)
		case http.MethodPut:
			doc, _ = io.ReadAll(r.Body)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Update(context.Background(), "hwid_attempts/h1.json", func(current json.RawMessage) (interface{}, error) {
				var state AttemptState
				if err := json.Unmarshal(current, &state); err != nil {
					return nil, err
				}
				state.FailCount++
				return state, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var final AttemptState
	require.NoError(t, json.Unmarshal(doc, &final))
	assert.Equal(t, writers, final.FailCount)
}

func TestIsNullDocument(t *testing.T) {
	assert.True(t, isNullDocument([]byte("null")))
	assert.True(t, isNullDocument([]byte("  null\n")))
	assert.True(t, isNullDocument(nil))
	assert.False(t, isNullDocument([]byte("{}")))
	assert.False(t, isNullDocument([]byte(`"null"`)))
}
