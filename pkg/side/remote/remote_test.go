package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/side"
)

func newTestRemote(t *testing.T, baseURL string) *Remote {
	t.Helper()
	r, err := New(baseURL, "test-token")
	require.NoError(t, err)
	return r
}

func TestWhich(t *testing.T) {
	r := newTestRemote(t, "http://example.invalid")
	assert.Equal(t, catalog.SideRemote, r.Which())
}

func TestStat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/files/stat/parent/file.txt", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"abc123","rev":"2","type":"file","size":5,"md5sum":"hash","executable":true,"updated_at":"2024-01-02T03:04:05Z"}`)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	info, err := client.Stat(context.Background(), "parent/file.txt")
	require.NoError(t, err)

	assert.False(t, info.IsDir)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "abc123", info.RemoteID)
	assert.Equal(t, "2", info.RemoteRev)
	assert.True(t, info.Executable)
	assert.Equal(t, "hash", info.MD5Sum)
}

func TestStat_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found"}`)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	_, err := client.Stat(context.Background(), "missing.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, side.ErrNotExist)
}

func TestWriteFile_SendsContentAndExecutableHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "true", r.Header.Get("X-Executable"))
		body := make([]byte, 5)
		n, _ := r.Body.Read(body)
		assert.Equal(t, "hello", string(body[:n]))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"new-id","rev":"1","size":5,"md5sum":"abc"}`)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	info, err := client.WriteFile(context.Background(), "dir/file.txt", bytes.NewReader([]byte("hello")), true)
	require.NoError(t, err)
	assert.Equal(t, "new-id", info.RemoteID)
	assert.True(t, info.Executable)
	assert.Equal(t, "abc", info.MD5Sum)
}

func TestRename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/rename/old.txt", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	require.NoError(t, client.Rename(context.Background(), "old.txt", "new.txt"))
}

func TestTrashAndRestore(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	require.NoError(t, client.Trash(context.Background(), "doc.txt"))
	require.NoError(t, client.Restore(context.Background(), "doc.txt"))
	assert.Equal(t, []string{"/files/trash/doc.txt", "/files/restore/doc.txt"}, gotPaths)
}

func TestListChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/changes", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("since"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{
			"changes": [
				{"id":"a","path":"parent","rev":"1","type":"directory"},
				{"id":"b","path":"parent/file","rev":"1","type":"file","md5sum":"x","size":3}
			],
			"last_seq": 44
		}`)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	batch, err := client.ListChanges(context.Background(), 42)
	require.NoError(t, err)

	require.Len(t, batch.Changes, 2)
	assert.Equal(t, uint64(44), batch.LastSeq)
	assert.True(t, batch.Changes[0].IsDir)
	assert.False(t, batch.Changes[1].IsDir)
	assert.Equal(t, "x", batch.Changes[1].MD5Sum)
}

func TestClassify_RevokedOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad token"}`)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	_, err := client.Stat(context.Background(), "whatever")
	require.Error(t, err)
	assert.Equal(t, side.ClassRevoked, side.Classify(err))
}

func TestClassify_QuotaOnInsufficientStorage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
		fmt.Fprint(w, `{"error":"quota"}`)
	}))
	defer srv.Close()

	client := newTestRemote(t, srv.URL)
	_, err := client.WriteFile(context.Background(), "big.bin", bytes.NewReader([]byte("x")), false)
	require.Error(t, err)
	assert.Equal(t, side.ClassQuota, side.Classify(err))
}

var (
	_ side.Side         = (*Remote)(nil)
	_ side.ChangeSource = (*Remote)(nil)
)
