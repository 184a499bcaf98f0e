package headless

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

const defaultFetchTimeout = 30 * time.Second

type source struct {
	name string
	code string
}

// pageLoader turns a page location into the scripts it runs. Pages are
// local files or http(s) URLs; scripts a page references resolve against
// the page's own location.
type pageLoader struct {
	client *resty.Client
}

func newPageLoader(timeout time.Duration) *pageLoader {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(timeout).
		SetHeader("User-Agent", "overlay-headless/1.0")
	return &pageLoader{client: client}
}

// load returns the scripts page runs, in document order. HTML documents
// contribute their inline and src scripts; anything else is one script.
func (p *pageLoader) load(page string) ([]source, error) {
	base, err := location(page)
	if err != nil {
		return nil, err
	}
	data, err := p.read(base)
	if err != nil {
		return nil, fmt.Errorf("failed to load page: %w", err)
	}
	if !isHTML(base.Path, data) {
		return []source{{name: page, code: string(data)}}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	var scripts []source
	doc.Find("script").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		if !runnable(sel.AttrOr("type", "")) {
			return true
		}
		src, ok := sel.Attr("src")
		if !ok {
			scripts = append(scripts, source{
				name: fmt.Sprintf("%s#%d", path.Base(base.Path), i),
				code: sel.Text(),
			})
			return true
		}

		target, resolveErr := resolve(base, src)
		if resolveErr != nil {
			err = resolveErr
			return false
		}
		code, readErr := p.read(target)
		if readErr != nil {
			err = fmt.Errorf("failed to load script %s: %w", src, readErr)
			return false
		}
		scripts = append(scripts, source{name: src, code: string(code)})
		return true
	})
	if err != nil {
		return nil, err
	}
	return scripts, nil
}

func (p *pageLoader) read(u *url.URL) ([]byte, error) {
	switch u.Scheme {
	case "file":
		return os.ReadFile(filepath.FromSlash(u.Path))
	case "http", "https":
		resp, err := p.client.R().Get(u.String())
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode(), u)
		}
		return resp.Body(), nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, u)
	}
}

// location parses page as an http(s) URL or a file path.
func location(page string) (*url.URL, error) {
	if strings.HasPrefix(page, "http://") || strings.HasPrefix(page, "https://") {
		u, err := url.Parse(page)
		if err != nil {
			return nil, fmt.Errorf("invalid page URL: %w", err)
		}
		return u, nil
	}
	abs, err := filepath.Abs(page)
	if err != nil {
		return nil, fmt.Errorf("invalid page path: %w", err)
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
}

// resolve finds src relative to the page. For file pages a rooted src is
// taken relative to the page's directory, which is the content root.
func resolve(base *url.URL, src string) (*url.URL, error) {
	ref, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid script src %q: %w", src, err)
	}
	if base.Scheme == "file" && ref.Scheme == "" && ref.Host == "" {
		return &url.URL{
			Scheme: "file",
			Path:   path.Join(path.Dir(base.Path), ref.Path),
		}, nil
	}
	return base.ResolveReference(ref), nil
}

func isHTML(name string, data []byte) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return mimetype.Detect(data).Is("text/html")
}

func runnable(scriptType string) bool {
	switch strings.ToLower(strings.TrimSpace(scriptType)) {
	case "", "text/javascript", "application/javascript", "module":
		return true
	}
	return false
}
