package http1

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	host string

	mu       sync.Mutex
	blobs    map[string][]byte
	putCode  int
	notified []uploadNotification
}

func (s *fakeStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/files"):
		var req map[string]string
		raw, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(raw, &req)
		body, _ := sonic.Marshal(uploadTarget{
			CorrelationID: "corr-1",
			HostName:      s.host,
			ContainerName: "uploads",
			BlobName:      req["blobName"],
			SASToken:      "?sig=abc",
		})
		_, _ = w.Write(body)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/uploads/"):
		if r.URL.Query().Get("sig") != "abc" || r.Header.Get("x-ms-blob-type") != "BlockBlob" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if s.putCode != 0 {
			w.WriteHeader(s.putCode)
			return
		}
		b, _ := io.ReadAll(r.Body)
		s.blobs[strings.TrimPrefix(r.URL.Path, "/uploads/")] = b
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/files/notifications"):
		var n uploadNotification
		raw, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(raw, &n)
		s.notified = append(s.notified, n)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestUploader(t *testing.T) (*FileUploader, *fakeStorage) {
	t.Helper()
	st := &fakeStorage{blobs: map[string][]byte{}}
	srv := httptest.NewServer(st)
	t.Cleanup(srv.Close)
	st.host = srv.Listener.Addr().String()

	u, err := NewFileUploader(testConn(t), transport.Settings{Protocol: protocol.HTTP1}, nil,
		WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close(context.Background()) })
	return u, st
}

func TestUploadBlob(t *testing.T) {
	u, st := newTestUploader(t)

	require.NoError(t, u.UploadBlob(context.Background(), "logs/a.txt", bytes.NewReader([]byte("hello"))))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []byte("hello"), st.blobs["logs/a.txt"])
	require.Len(t, st.notified, 1)
	assert.Equal(t, "corr-1", st.notified[0].CorrelationID)
	assert.True(t, st.notified[0].IsSuccess)
}

func TestUploadBlobFailureIsNotified(t *testing.T) {
	u, st := newTestUploader(t)
	st.putCode = http.StatusServiceUnavailable

	err := u.UploadBlob(context.Background(), "a.bin", bytes.NewReader([]byte("x")))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.notified, 1)
	assert.False(t, st.notified[0].IsSuccess)
	assert.Equal(t, http.StatusServiceUnavailable, st.notified[0].StatusCode)
}

func TestValidateBlobName(t *testing.T) {
	require.NoError(t, ValidateBlobName("dir/file.txt"))
	require.ErrorIs(t, ValidateBlobName(""), ErrEmptyBlobName)
	require.ErrorIs(t, ValidateBlobName(strings.Repeat("a", 1025)), ErrBlobNameTooLong)
	require.ErrorIs(t, ValidateBlobName(strings.Repeat("a/", 254)+"a"), ErrBlobNameTooDeep)
	require.NoError(t, ValidateBlobName(strings.Repeat("a/", 253)+"a"))

	u, _ := newTestUploader(t)
	require.ErrorIs(t, u.UploadBlob(context.Background(), "x", nil), ErrNilBlobSource)
}
