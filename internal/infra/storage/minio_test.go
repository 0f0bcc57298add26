package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu   sync.Mutex
	puts []*http.Request
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		f.mu.Lock()
		f.puts = append(f.puts, r)
		f.mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestPutJSON(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	s, err := New(context.Background(), u.Host, "us-east-1", "audits", "ak", "sk", false)
	require.NoError(t, err)

	got, err := s.PutJSON(context.Background(), "audits/a1/report.json", map[string]any{"summary": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "http://"+u.Host+"/audits/audits/a1/report.json", got)

	require.Len(t, fake.puts, 1)
	assert.Equal(t, "/audits/audits/a1/report.json", fake.puts[0].URL.Path)
	assert.Equal(t, "application/json", fake.puts[0].Header.Get("Content-Type"))
}

func TestPutJSON_EncodeError(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	s, err := New(context.Background(), u.Host, "us-east-1", "audits", "ak", "sk", false)
	require.NoError(t, err)

	_, err = s.PutJSON(context.Background(), "bad.json", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
	assert.Empty(t, fake.puts)
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(&fakeS3{})
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	s, err := New(context.Background(), u.Host, "us-east-1", "audits", "ak", "sk", false)
	require.NoError(t, err)
	assert.NoError(t, s.Check(context.Background()))
}
