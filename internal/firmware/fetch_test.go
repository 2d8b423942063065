package firmware

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestFetch(t *testing.T) {
	t.Parallel()

	payload := []byte("firmware image contents")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer ts.Close()

	dir := t.TempDir()
	fetcher := NewFetcher(true)

	p, err := fetcher.Fetch(context.Background(), ts.URL+"/FiPy-1.20.2.r4.bin", dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "FiPy-1.20.2.r4.bin" {
		t.Errorf(`stored as %q, want base "FiPy-1.20.2.r4.bin"`, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Error(`downloaded bytes differ from served bytes`)
	}
}

func TestFetchDecompressesGzip(t *testing.T) {
	t.Parallel()

	payload := []byte("firmware image contents")
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(compressed.Bytes())
	}))
	defer ts.Close()

	dir := t.TempDir()
	fetcher := NewFetcher(true)

	p, err := fetcher.Fetch(context.Background(), ts.URL+"/FiPy-1.20.2.r4.bin.gz", dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "FiPy-1.20.2.r4.bin" {
		t.Errorf(`stored as %q, want the .gz suffix stripped`, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Error(`decompressed bytes differ from the original payload`)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok after retries"))
	}))
	defer ts.Close()

	fetcher := NewFetcher(true)
	p, err := fetcher.Fetch(context.Background(), ts.URL+"/image.bin", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf(`server saw %d requests, want 3`, calls.Load())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ok after retries" {
		t.Errorf(`data = %q`, data)
	}
}

func TestFetchGivesUpOnClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	fetcher := NewFetcher(true)
	if _, err := fetcher.Fetch(context.Background(), ts.URL+"/missing.bin", t.TempDir()); err == nil {
		t.Fatal(`404 should fail the fetch`)
	}
	if calls.Load() != 1 {
		t.Errorf(`server saw %d requests, want 1 (no retry on 404)`, calls.Load())
	}
}
