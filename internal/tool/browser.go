package tool

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"databot/internal/domain"
)

const browserFetchTimeout = 60 * time.Second

// BrowserFetchTool renders a page in headless Chrome and extracts its text.
// Unlike web_fetch it executes JavaScript, so it works on SPA dashboards
// (Airflow UI, Grafana, vendor consoles) whose markup is built client-side.
type BrowserFetchTool struct {
	userDataDir string
}

type BrowserConfig struct {
	UserDataDir string // Chrome profile dir; persists cookies across fetches
}

func NewBrowserFetchTool(cfg BrowserConfig) *BrowserFetchTool {
	return &BrowserFetchTool{userDataDir: cfg.UserDataDir}
}

func (t *BrowserFetchTool) Name() string { return "browser_fetch" }
func (t *BrowserFetchTool) Description() string {
	return "Fetch a web page with a headless browser that executes JavaScript. Slower than web_fetch; use only when the page needs JS rendering."
}
func (t *BrowserFetchTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"url": {Type: "string", Description: "Full URL to render (must start with http:// or https://)"},
		},
		[]string{"url"},
	)
}

// ExecTimeout allows slow page loads without stretching the registry default.
func (t *BrowserFetchTool) ExecTimeout() time.Duration { return browserFetchTimeout }

func (t *BrowserFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL := ArgsString(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("missing argument: url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
	)
	if t.userDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(t.userDataDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var text string
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body"),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}

	text = strings.TrimSpace(text)
	if len(text) > fetchMaxOutput {
		text = text[:fetchMaxOutput] + "\n... (truncated)"
	}
	if text == "" {
		return "(page rendered but contained no visible text)", nil
	}
	return text, nil
}

var _ domain.Tool = (*BrowserFetchTool)(nil)
