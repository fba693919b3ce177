package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDrive is a minimal item-id addressed drive API for adapter tests.
type fakeDrive struct {
	mu    sync.Mutex
	next  int
	items map[string][]byte // id → body
	paths map[string]string // id → upload path
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{items: make(map[string][]byte), paths: make(map[string]string)}
}

func (fd *fakeDrive) handler(t *testing.T, wantToken string) http.Handler {
	mux := http.NewServeMux()

	checkAuth := func(r *http.Request) bool {
		return wantToken == "" || r.Header.Get("Authorization") == "Bearer "+wantToken
	}

	mux.HandleFunc("PUT /items", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, checkAuth(r))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		fd.mu.Lock()
		fd.next++
		id := "item-" + strconv.Itoa(fd.next)
		fd.items[id] = body
		fd.paths[id] = r.URL.Query().Get("path")
		fd.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(driveItem{ID: id, Path: r.URL.Query().Get("path"), Size: int64(len(body)), ETag: "drive-etag-" + id})
	})

	mux.HandleFunc("GET /items/{id}/content", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, checkAuth(r))
		fd.mu.Lock()
		body, ok := fd.items[r.PathValue("id")]
		fd.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			spec := strings.TrimPrefix(rng, "bytes=")
			startStr, endStr, _ := strings.Cut(spec, "-")
			start, err := strconv.Atoi(startStr)
			require.NoError(t, err)
			end := len(body) - 1
			if endStr != "" {
				end, err = strconv.Atoi(endStr)
				require.NoError(t, err)
			}
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(body[start : end+1])
			return
		}
		_, _ = w.Write(body)
	})

	mux.HandleFunc("DELETE /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, checkAuth(r))
		fd.mu.Lock()
		_, ok := fd.items[r.PathValue("id")]
		delete(fd.items, r.PathValue("id"))
		fd.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /items", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, checkAuth(r))
		prefix := r.URL.Query().Get("path_prefix")
		fd.mu.Lock()
		for id, path := range fd.paths {
			if strings.HasPrefix(path, prefix) {
				delete(fd.items, id)
				delete(fd.paths, id)
			}
		}
		fd.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func TestCloudDriveWriteReadDelete(t *testing.T) {
	fd := newFakeDrive()
	ts := httptest.NewServer(fd.handler(t, "secret"))
	defer ts.Close()

	d := NewCloudDrive(ts.URL, "secret", WithHTTPClient(ts.Client()))
	ctx := context.Background()

	res, err := d.Write(ctx, "t1/n1/v1", strings.NewReader("drive payload"))
	require.NoError(t, err)
	require.True(t, res.BytesTransferred)
	require.Equal(t, int64(13), res.Bytes)
	require.NotEmpty(t, res.ItemID)
	require.Equal(t, "drive-etag-"+res.ItemID, res.RemoteETag)

	rc, err := d.Read(ctx, res.ItemID)
	require.NoError(t, err)
	require.Equal(t, "drive payload", readAll(t, rc))

	rc, err = d.ReadRange(ctx, res.ItemID, 6, 12)
	require.NoError(t, err)
	require.Equal(t, "payload", readAll(t, rc))

	rc, err = d.ReadRange(ctx, res.ItemID, 6, -1)
	require.NoError(t, err)
	require.Equal(t, "payload", readAll(t, rc))

	require.NoError(t, d.Delete(ctx, res.ItemID))

	_, err = d.Read(ctx, res.ItemID)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an already-deleted item is not an error.
	require.NoError(t, d.Delete(ctx, res.ItemID))
}

func TestCloudDrivePurge(t *testing.T) {
	fd := newFakeDrive()
	ts := httptest.NewServer(fd.handler(t, ""))
	defer ts.Close()

	d := NewCloudDrive(ts.URL, "", WithHTTPClient(ts.Client()))
	ctx := context.Background()

	res1, err := d.Write(ctx, "t1/n1/v1", strings.NewReader("a"))
	require.NoError(t, err)
	res2, err := d.Write(ctx, "t1/n2/v1", strings.NewReader("b"))
	require.NoError(t, err)

	require.NoError(t, d.Purge(ctx, "t1/n1"))

	_, err = d.Read(ctx, res1.ItemID)
	require.ErrorIs(t, err, ErrNotFound)

	rc, err := d.Read(ctx, res2.ItemID)
	require.NoError(t, err)
	require.Equal(t, "b", readAll(t, rc))
}

func TestCloudDriveUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	d := NewCloudDrive(ts.URL, "", WithHTTPClient(ts.Client()))
	ctx := context.Background()

	_, err := d.Write(ctx, "k", strings.NewReader("x"))
	require.ErrorContains(t, err, "unexpected status 500")

	_, err = d.Read(ctx, "item-1")
	require.ErrorContains(t, err, "unexpected status 500")

	require.ErrorContains(t, d.Delete(ctx, "item-1"), "unexpected status 500")
	require.ErrorContains(t, d.Purge(ctx, "t1"), "unexpected status 500")
}
