package knowledge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeObjects struct {
	data        map[string]string
	contentType string
}

func (f fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	body, ok := f.data[key]
	if !ok {
		return nil, "", fmt.Errorf("no such object %q", key)
	}
	return io.NopCloser(strings.NewReader(body)), f.contentType, nil
}

func TestFetchTextFromObjectStore(t *testing.T) {
	f := NewFetcher(fakeObjects{
		data:        map[string]string{"docs/guide.txt": "stored  guide\n\ntext"},
		contentType: "text/plain",
	}, 0)

	got, err := f.FetchText(context.Background(), "storage:docs/guide.txt")
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if got != "stored guide text" {
		t.Errorf("got %q, want whitespace-normalized body", got)
	}
}

func TestFetchTextStorageRefWithoutStore(t *testing.T) {
	f := NewFetcher(nil, 0)
	if _, err := f.FetchText(context.Background(), "storage:docs/guide.txt"); err == nil {
		t.Fatal("expected error for storage ref without object store")
	}
}

func TestFetchTextHTMLStripsMarkup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><style>p{color:red}</style></head><body><p>Hello</p><script>alert(1)</script><p>world</p></body></html>`)
	}))
	defer srv.Close()

	f := NewFetcher(nil, 0)
	got, err := f.FetchText(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if got != "Hello world" {
		t.Errorf("got %q, want script/style stripped", got)
	}
}

func TestFetchTextRejectsBinaryContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	f := NewFetcher(nil, 0)
	if _, err := f.FetchText(context.Background(), srv.URL+"/logo.png"); err == nil {
		t.Fatal("expected rejection of image content type")
	}
}

func TestFetchTextURLExtensionOverridesMissingContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		io.WriteString(w, "plain markdown body")
	}))
	defer srv.Close()

	f := NewFetcher(nil, 0)
	got, err := f.FetchText(context.Background(), srv.URL+"/notes.md")
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if got != "plain markdown body" {
		t.Errorf("got %q", got)
	}
}

func TestFetchTextHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(nil, 0)
	if _, err := f.FetchText(context.Background(), srv.URL+"/gone.txt"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestFetchTextEmptyRef(t *testing.T) {
	f := NewFetcher(nil, 0)
	if _, err := f.FetchText(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty ref")
	}
}
