package scraper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"

	"banggood-pipeline/utils"
)

// settleDelay gives client-side rendering time to populate product grids.
const settleDelay = 3 * time.Second

// BrowserLoader renders pages in headless Chrome and returns the final DOM.
// It is used for listing pages that only populate their product grid from
// JavaScript.
type BrowserLoader struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	logger   *utils.Logger
}

// NewBrowserLoader starts a headless browser. Close releases it.
func NewBrowserLoader(chromeBin, userAgent string, logger *utils.Logger) (*BrowserLoader, error) {
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	logger.Info("[browser] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)

	// Suppress chromedp log noise
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	// Start the browser now so every Load opens a tab in the same process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("browser: start: %w", err)
	}

	return &BrowserLoader{
		allocCtx: browserCtx,
		cancel: func() {
			cancelBrowser()
			cancelAlloc()
		},
		logger: logger,
	}, nil
}

// Load opens url in a new tab, scrolls to trigger lazy loading and returns
// the rendered HTML with the navigation's HTTP status.
func (b *BrowserLoader) Load(ctx context.Context, url string) (*PageResponse, error) {
	tabCtx, cancel := chromedp.NewContext(b.allocCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}

	status := 200
	if resp != nil {
		status = int(resp.Status)
	}

	var html string
	err = chromedp.Run(tabCtx,
		chromedp.Sleep(settleDelay),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight / 2)`, nil),
		chromedp.Sleep(time.Second),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(time.Second),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("browser: render %s: %w", url, err)
	}

	b.logger.Debug("[browser] Rendered %s (%d bytes, status %d)", url, len(html), status)
	return &PageResponse{StatusCode: status, ContentType: "text/html", Body: []byte(html)}, nil
}

// Close shuts the browser down.
func (b *BrowserLoader) Close() {
	b.cancel()
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
