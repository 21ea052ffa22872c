package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	browserMaxBodyBytes = 10 << 20
	browserMaxTextChars = 10000
)

// Browser is the hosted browser-text tool. It fetches a URL and
// reduces the page to readable text.
type Browser struct {
	client *http.Client

	// allowPrivate disables the SSRF guard for tests.
	allowPrivate bool
}

// NewBrowser builds the tool.
func NewBrowser() *Browser {
	return &Browser{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *Browser) Name() string { return "browser-text" }

func (b *Browser) Description() string {
	return "Fetch a web page and return its readable text content."
}

func (b *Browser) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The page URL to fetch"}
		},
		"required": ["url"]
	}`)
}

type browserArgs struct {
	URL string `json:"url"`
}

func (b *Browser) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params browserArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := b.validateURL(params.URL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "workflowai-gateway/1.0")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, browserMaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	text := extractReadableText(string(body))
	if len(text) > browserMaxTextChars {
		text = text[:browserMaxTextChars] + "..."
	}
	return json.Marshal(map[string]string{"text": text})
}

// validateURL rejects non-http schemes and hosts that resolve to
// private or reserved addresses.
func (b *Browser) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url has no host")
	}
	if b.allowPrivate {
		return nil
	}
	ips, err := net.LookupIP(u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve host: %w", err)
	}
	for _, ip := range ips {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("host resolves to a private address")
		}
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

var (
	removeTagPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
		regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`),
		regexp.MustCompile(`(?is)<!--.*?-->`),
	}
	blockTagPattern   = regexp.MustCompile(`(?i)</?(p|div|br|li|tr|h[1-6]|section|article)[^>]*>`)
	anyTagPattern     = regexp.MustCompile(`<[^>]+>`)
	whitespaceRuns    = regexp.MustCompile(`[ \t]+`)
	blankLineRuns     = regexp.MustCompile(`\n{3,}`)
	trailingLineWS    = regexp.MustCompile(`(?m)[ \t]+$`)
)

// extractReadableText strips markup and normalizes whitespace. Block
// elements become line breaks so the structure survives.
func extractReadableText(page string) string {
	for _, re := range removeTagPatterns {
		page = re.ReplaceAllString(page, "")
	}
	page = blockTagPattern.ReplaceAllString(page, "\n")
	page = anyTagPattern.ReplaceAllString(page, " ")
	page = html.UnescapeString(page)
	page = whitespaceRuns.ReplaceAllString(page, " ")
	page = trailingLineWS.ReplaceAllString(page, "")
	page = blankLineRuns.ReplaceAllString(page, "\n\n")
	return strings.TrimSpace(page)
}
