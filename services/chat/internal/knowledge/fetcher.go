package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"botsmith/pkg/storage"
)

const (
	defaultFetchTimeout = 4500 * time.Millisecond
	maxFetchBytes       = 4 << 20

	// storageScheme marks doc refs that live in the object store rather
	// than on the public internet.
	storageScheme = "storage:"
)

// Fetcher retrieves raw text for knowledge source document references.
// Refs are absolute URLs or "storage:<key>" object-store references.
type Fetcher struct {
	httpClient *http.Client
	objects    storage.ObjectStore
	timeout    time.Duration
}

// NewFetcher builds a fetcher. objects may be nil when no object store is
// configured; storage refs then count as failures.
func NewFetcher(objects storage.ObjectStore, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		objects:    objects,
		timeout:    timeout,
	}
}

// FetchText fetches one document reference and extracts plain text from it.
// Each call is bounded by the fetcher timeout; failures never cascade past
// the single ref.
func (f *Fetcher) FetchText(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty document ref")
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if key, ok := strings.CutPrefix(ref, storageScheme); ok {
		return f.fetchStored(ctx, key)
	}
	return f.fetchURL(ctx, ref)
}

func (f *Fetcher) fetchStored(ctx context.Context, key string) (string, error) {
	if f.objects == nil {
		return "", fmt.Errorf("object store not configured for ref %q", key)
	}
	body, contentType, err := f.objects.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return extractText(body, contentType, key)
}

func (f *Fetcher) fetchURL(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "botsmith-knowledge/1.0")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if !readableContentType(contentType) && !looksTextLike(rawURL) {
		return "", fmt.Errorf("skipping non-text content type %q for %s", contentType, rawURL)
	}
	return extractText(resp.Body, contentType, rawURL)
}

func extractText(body io.Reader, contentType, name string) (string, error) {
	limited := io.LimitReader(body, maxFetchBytes)
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || strings.HasSuffix(strings.ToLower(name), ".html"):
		return extractHTMLText(limited)
	case mediaType == "application/pdf" || strings.HasSuffix(strings.ToLower(name), ".pdf"):
		return extractPDFText(limited)
	default:
		raw, err := io.ReadAll(limited)
		if err != nil {
			return "", err
		}
		return normalizeWhitespace(string(raw)), nil
	}
}

func extractHTMLText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString(" ")
		}
	}
	walk(doc)
	return normalizeWhitespace(buf.String()), nil
}

func extractPDFText(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	var buf strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}
	return normalizeWhitespace(buf.String()), nil
}

func readableContentType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/xhtml+xml", "application/pdf":
		return true
	}
	return false
}

// looksTextLike guesses readability from the URL itself for servers that
// omit or mislabel content types.
func looksTextLike(rawURL string) bool {
	trimmed := strings.ToLower(rawURL)
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	switch path.Ext(trimmed) {
	case ".txt", ".md", ".markdown", ".csv", ".json", ".html", ".htm", ".xml":
		return true
	}
	return strings.Contains(trimmed, "extracted") || strings.Contains(trimmed, "text")
}

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
