package linkpreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/chatcore/internal/model"
	"golang.org/x/net/html"
)

const (
	UserAgent      = "Mozilla/5.0 (compatible; ChatBot/1.0)"
	DefaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// ErrPrivateAddress — ссылка ведёт на loopback, частную или link-local сеть.
var ErrPrivateAddress = errors.New("link preview: private address")

// Fetcher скачивает страницу и достаёт og-теги.
// Соединения к непубличным адресам отклоняются на этапе dial, в том числе после редиректа.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return newFetcher(timeout, publicOnly)
}

func newFetcher(timeout time.Duration, control func(network, address string, c syscall.RawConn) error) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: timeout, Control: control}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &Fetcher{client: &http.Client{Timeout: timeout, Transport: transport}}
}

func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublic(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	return nil
}

func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (model.LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.client.Do(req)
	if err != nil {
		return model.LinkPreview{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.LinkPreview{}, fmt.Errorf("link preview %s: status %d", rawURL, resp.StatusCode)
	}
	p := parse(io.LimitReader(resp.Body, maxBodyBytes))
	p.URL = rawURL
	return p, nil
}

// parse читает meta property/name og:title|og:description|og:image; без og:title берётся <title>.
func parse(r io.Reader) model.LinkPreview {
	var (
		p       model.LinkPreview
		title   string
		inTitle bool
	)
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if p.Title == "" {
				p.Title = strings.TrimSpace(title)
			}
			return p
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = true
			case "meta":
				key, content := metaAttrs(tok)
				switch key {
				case "og:title":
					if p.Title == "" {
						p.Title = content
					}
				case "og:description":
					if p.Description == "" {
						p.Description = content
					}
				case "og:image":
					if p.Image == "" {
						p.Image = content
					}
				}
			}
		case html.TextToken:
			if inTitle && title == "" {
				title = string(z.Text())
			}
		case html.EndTagToken:
			tok := z.Token()
			if tok.Data == "title" {
				inTitle = false
			}
			if tok.Data == "head" && p.Title != "" && p.Description != "" && p.Image != "" {
				return p
			}
		}
	}
}

func metaAttrs(tok html.Token) (key, content string) {
	var property, name string
	for _, a := range tok.Attr {
		switch strings.ToLower(a.Key) {
		case "property":
			property = strings.ToLower(a.Val)
		case "name":
			name = strings.ToLower(a.Val)
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}
	if property != "" {
		return property, content
	}
	return name, content
}
