package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
)

// The OAuth endpoint wants a Basic header carrying client credentials that
// MyTPU never documents; they only exist inside the portal's minified
// JavaScript. The bundle filename is content-hashed (main.<hex>.js), so it
// has to be discovered from the login page on every fresh process.
var (
	bundlePattern = regexp.MustCompile(`<script[^>]*src="(main\.[a-f0-9]+\.js)"[^>]*></script>`)

	// Two patterns tolerate minifier output variance: object-literal style
	// and compact-assignment style.
	tokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`["']Authorization["']:\s*["']Basic ([A-Za-z0-9+/=]+)["']`),
		regexp.MustCompile(`Authorization:"Basic ([A-Za-z0-9+/=]+)"`),
	}
)

// Extractor scrapes the Basic client credential from the portal. The result
// is cached on the extractor after the first success and invalidated only by
// process restart. No retry is performed internally; callers decide.
type Extractor struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger

	mu     sync.Mutex
	cached string
}

func NewExtractor(baseURL string, client *http.Client, logger *logrus.Logger) *Extractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Extractor{
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// BasicToken returns the scraped Basic credential, fetching it on first use.
func (e *Extractor) BasicToken(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached != "" {
		return e.cached, nil
	}

	html, err := e.fetchText(ctx, e.baseURL+"/eportal/")
	if err != nil {
		return "", &ExtractionError{Stage: "login-page", Err: err}
	}

	m := bundlePattern.FindStringSubmatch(html)
	if m == nil {
		return "", &ExtractionError{Stage: "bundle-name", Err: fmt.Errorf("no main.<hash>.js script tag on login page")}
	}
	bundleName := m[1]

	js, err := e.fetchText(ctx, e.baseURL+"/eportal/"+bundleName)
	if err != nil {
		return "", &ExtractionError{Stage: "bundle", Err: err}
	}

	for _, pattern := range tokenPatterns {
		if m := pattern.FindStringSubmatch(js); m != nil {
			e.cached = m[1]
			e.logger.WithField("bundle", bundleName).Debug("extracted Basic credential from portal bundle")
			return e.cached, nil
		}
	}

	return "", &ExtractionError{Stage: "token-pattern", Err: fmt.Errorf("no Basic token literal in %s", bundleName)}
}

func (e *Extractor) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
