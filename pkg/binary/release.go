package binary

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	githubAPIBase       = "https://api.github.com"
	releaseFetchTimeout = 10 * time.Second
	userAgent           = "langkit-host"
)

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Digest             string `json:"digest,omitempty"`
}

// SHA256 returns the hex digest without its "sha256:" prefix, lowercased.
// Empty when the release publishes no digest for this asset.
func (a *Asset) SHA256() string {
	d := strings.TrimPrefix(a.Digest, "sha256:")
	if d == a.Digest && a.Digest != "" && strings.Contains(a.Digest, ":") {
		// Some other digest algorithm; treat as absent
		return ""
	}
	return strings.ToLower(strings.TrimSpace(d))
}

// ReleaseInfo is the subset of the GitHub latest-release response the
// manager consumes. Fetched fresh on every check, never cached.
type ReleaseInfo struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Version returns the tag without a leading "v".
func (r *ReleaseInfo) Version() string {
	return strings.TrimPrefix(r.TagName, "v")
}

// FindAsset returns the asset with the given name, or nil.
func (r *ReleaseInfo) FindAsset(name string) *Asset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// HTTPClient is the client capability the release Client needs; *http.Client
// satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches release metadata and asset bytes. Metadata fetches run
// under a short fixed timeout; asset downloads get their own, longer one.
type Client struct {
	httpClient     HTTPClient
	downloadClient HTTPClient
	apiBase        string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(c HTTPClient) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
			cl.downloadClient = c
		}
	}
}

// WithDownloadTimeout bounds asset downloads.
func WithDownloadTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.downloadClient = &http.Client{Timeout: d}
		}
	}
}

// WithAPIBase overrides the GitHub API base URL.
func WithAPIBase(base string) ClientOption {
	return func(cl *Client) {
		if base != "" {
			cl.apiBase = strings.TrimRight(base, "/")
		}
	}
}

// NewClient creates a release client with a bounded default timeout for
// metadata fetches.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: releaseFetchTimeout},
		downloadClient: &http.Client{Timeout: 5 * time.Minute},
		apiBase:        githubAPIBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRelease performs a single GET against the latest-release endpoint.
// Any failure (network, timeout, malformed JSON) is returned as an error
// and never retried here.
func (c *Client) FetchRelease(repo string) (*ReleaseInfo, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", c.apiBase, repo)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrNetworkFailure, err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrNetworkFailure, resp.StatusCode, url)
	}

	var release ReleaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("%w: decode release: %v", ErrNetworkFailure, err)
	}
	return &release, nil
}

// Get opens a streaming GET to an arbitrary URL (asset downloads). The
// returned body must be closed by the caller.
func (c *Client) Get(url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %v", ErrNetworkFailure, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: unexpected status %d from %s", ErrNetworkFailure, resp.StatusCode, url)
	}
	return resp.Body, resp.ContentLength, nil
}
