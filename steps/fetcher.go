package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	pdfLinkPattern = regexp.MustCompile(`(?i)href="([^"]+\.pdf[^"]*)"`)
	yearPattern    = regexp.MustCompile(`20\d{2}`)
)

// HTTPFetcher downloads source documents over HTTP. A URL that serves a PDF
// directly yields one document; an HTML page yields every linked PDF up to
// MaxDocuments.
type HTTPFetcher struct {
	client       *http.Client
	maxDocuments int
	maxBodyBytes int64
}

// NewHTTPFetcher builds a fetcher with its own timeout; the pipeline relies
// on collaborators surfacing failures rather than hanging.
func NewHTTPFetcher(timeout time.Duration, maxDocuments int) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxDocuments <= 0 {
		maxDocuments = 5
	}
	return &HTTPFetcher{
		client:       &http.Client{Timeout: timeout},
		maxDocuments: maxDocuments,
		maxBodyBytes: 64 << 20,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) ([]FetchedDocument, error) {
	data, contentType, err := f.download(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	if isPDF(data, contentType) {
		return []FetchedDocument{{
			Label:      labelFromURL(sourceURL),
			FiscalYear: yearPattern.FindString(sourceURL),
			URL:        sourceURL,
			Data:       data,
		}}, nil
	}

	links := f.pdfLinks(sourceURL, string(data))
	if len(links) == 0 {
		return nil, fmt.Errorf("no PDF documents found at %s", sourceURL)
	}

	var docs []FetchedDocument
	for _, link := range links {
		body, ct, err := f.download(ctx, link)
		if err != nil {
			log.Warn().Err(err).Str("url", link).Msg("skipping document that failed to download")
			continue
		}
		if !isPDF(body, ct) {
			continue
		}
		docs = append(docs, FetchedDocument{
			Label:      labelFromURL(link),
			FiscalYear: yearPattern.FindString(link),
			URL:        link,
			Data:       body,
		})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("found %d PDF links at %s but none downloaded", len(links), sourceURL)
	}
	return docs, nil
}

func (f *HTTPFetcher) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// pdfLinks extracts and resolves PDF links from an HTML page, de-duplicated
// in document order.
func (f *HTTPFetcher) pdfLinks(pageURL, html string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string
	for _, match := range pdfLinkPattern.FindAllStringSubmatch(html, -1) {
		ref, err := url.Parse(match[1])
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref).String()
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		links = append(links, resolved)
		if len(links) >= f.maxDocuments {
			break
		}
	}
	return links
}

func isPDF(data []byte, contentType string) bool {
	if strings.Contains(contentType, "application/pdf") {
		return true
	}
	return len(data) >= 4 && string(data[:4]) == "%PDF"
}

func labelFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	name := path.Base(u.Path)
	return strings.TrimSuffix(name, path.Ext(name))
}
