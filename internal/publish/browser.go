package publish

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/pkg/channels"
)

// StrategyBrowser is the driven-browser strategy name.
const StrategyBrowser = "browser"

const (
	defaultViewportW  = 1280
	defaultViewportH  = 720
	defaultPostWait   = 35 * time.Second
	defaultResultWait = 20 * time.Second
)

// Selectors locate the upload page elements.
type Selectors struct {
	FileInput     string
	PostButton    string
	ConfirmButton string
	CookieBanner  string
	// PublishedLink is an anchor whose last path segment is the platform id.
	PublishedLink string
	// LoginMarkers match only when the session was not accepted.
	LoginMarkers []string
	// ChallengeMarkers match captcha or verification interstitials.
	ChallengeMarkers []string
	// Incidental are harmless elements clicked when human behavior is on.
	Incidental []string
}

// DefaultSelectors match the destination creator upload page.
func DefaultSelectors() Selectors {
	return Selectors{
		FileInput:     "input[type='file']",
		PostButton:    "button[data-e2e='post_video_button'][data-disabled='false'][data-loading='false']",
		ConfirmButton: "button.TUXButton--primary",
		CookieBanner:  "tiktok-cookie-banner button, button[data-e2e='cookie-accept']",
		PublishedLink: "a[href*='/video/']",
		LoginMarkers: []string{
			"form[action*='login']",
			"a[href*='/login']",
			"input[name='username']",
			"[data-e2e='login-modal']",
		},
		ChallengeMarkers: []string{
			"#captcha-verify-image",
			"[id^='captcha']",
			"div.captcha_verify_container",
		},
		Incidental: []string{
			"div[data-e2e='advanced_settings_container']",
			"div.public-DraftEditor-content[contenteditable='true']",
			"div.poi-search button",
		},
	}
}

// PageState is the coarse classification of a loaded page.
type PageState string

const (
	PageReady     PageState = "ready"
	PageLogin     PageState = "login"
	PageChallenge PageState = "challenge"
	PageUnknown   PageState = "unknown"
)

// ClassifyPage inspects page HTML. Login and challenge markers win over the
// upload form so a half-rendered login overlay is not mistaken for success.
func ClassifyPage(html string, sel Selectors) PageState {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageUnknown
	}
	for _, m := range sel.LoginMarkers {
		if doc.Find(m).Length() > 0 {
			return PageLogin
		}
	}
	for _, m := range sel.ChallengeMarkers {
		if doc.Find(m).Length() > 0 {
			return PageChallenge
		}
	}
	if doc.Find(sel.FileInput).Length() > 0 {
		return PageReady
	}
	return PageUnknown
}

// PublishedID extracts the platform id from a post-publish page, if present.
func PublishedID(html string, sel Selectors) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var id string
	doc.Find(sel.PublishedLink).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimRight(strings.SplitN(href, "?", 2)[0], "/")
		if i := strings.LastIndex(href, "/"); i >= 0 && i < len(href)-1 {
			id = href[i+1:]
			return false
		}
		return true
	})
	return id
}

// BrowserOptions configures the driven-browser strategy.
type BrowserOptions struct {
	UploadURL     string
	Headless      bool
	Timeout       time.Duration
	Proxy         *channels.Proxy
	UserAgent     string
	HumanBehavior bool
	Selectors     Selectors
	ExecPath      string
	Now           func() time.Time
}

// BrowserPublisher drives a fresh Chrome instance per publish.
type BrowserPublisher struct {
	opts BrowserOptions
	log  logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBrowserPublisher builds the browser strategy.
func NewBrowserPublisher(opts BrowserOptions, log logger.Logger) (*BrowserPublisher, error) {
	if strings.TrimSpace(opts.UploadURL) == "" {
		return nil, domain.Errorf(domain.KindConfigurationInvalid, "publish.browser", "upload url not configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Selectors.FileInput == "" {
		opts.Selectors = DefaultSelectors()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BrowserPublisher{
		opts: opts,
		log:  logger.Ensure(log),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (b *BrowserPublisher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("mute-audio", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(defaultViewportW, defaultViewportH),
	)
	if b.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.opts.UserAgent))
	}
	if b.opts.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer("http://"+b.opts.Proxy.Address()))
	}
	if b.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.opts.ExecPath))
	}
	return opts
}

// Publish opens the upload page with the session cookies, attaches the file
// and presses post.
func (b *BrowserPublisher) Publish(ctx context.Context, media Media, session credentials.SessionMaterial) (Result, error) {
	abs, err := filepath.Abs(media.Path)
	if err != nil {
		return Result{}, domain.Wrap(domain.KindContentDefect, "publish.browser", err)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancelRun := context.WithTimeout(browserCtx, b.opts.Timeout)
	defer cancelRun()

	if b.opts.Proxy != nil && b.opts.Proxy.HasAuth() {
		b.listenProxyAuth(browserCtx)
		if err := chromedp.Run(runCtx, fetch.Enable().WithHandleAuthRequests(true)); err != nil {
			return Result{}, b.runError(ctx, "enable proxy auth", err)
		}
	}

	if err := chromedp.Run(runCtx,
		network.Enable(),
		setCookies(session),
		chromedp.Navigate(b.opts.UploadURL),
	); err != nil {
		return Result{}, b.runError(ctx, "open upload page", err)
	}

	if err := b.waitForForm(runCtx); err != nil {
		return Result{}, err
	}
	b.humanMove(runCtx)

	if err := chromedp.Run(runCtx, chromedp.SetUploadFiles(b.opts.Selectors.FileInput, []string{abs}, chromedp.ByQuery)); err != nil {
		return Result{}, b.runError(ctx, "attach file", err)
	}
	b.log.DebugObj("browser file attached", "media", map[string]any{"path": abs, "source": media.SourceID})

	b.humanIncidentals(runCtx)

	if err := b.clickPost(runCtx); err != nil {
		return Result{}, err
	}

	id := b.awaitPublishedID(runCtx)
	if id == "" {
		id = "browser:" + media.SourceID
		b.log.WarnObj("browser publish completed without platform id", "source", media.SourceID)
	}
	return Result{PlatformID: id, Strategy: StrategyBrowser, Attempts: 1, PublishedAt: b.opts.Now()}, nil
}

func (b *BrowserPublisher) listenProxyAuth(ctx context.Context) {
	p := b.opts.Proxy
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: p.Username,
					Password: p.Password,
				}))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID))
			}()
		}
	})
}

func setCookies(sm credentials.SessionMaterial) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range sm.Cookies {
			p := network.SetCookie(c.Name, c.Value).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Domain != "" {
				p = p.WithDomain(c.Domain)
			} else if sm.URL != "" {
				p = p.WithURL(sm.URL)
			}
			if exp := c.Expires(); !exp.IsZero() {
				t := cdp.TimeSinceEpoch(exp)
				p = p.WithExpires(&t)
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// waitForForm polls the page until the upload form shows up or a login or
// challenge page is detected.
func (b *BrowserPublisher) waitForForm(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		var html string
		if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return b.runError(ctx, "read upload page", err)
		}
		switch ClassifyPage(html, b.opts.Selectors) {
		case PageReady:
			return nil
		case PageLogin:
			return domain.Errorf(domain.KindSessionInvalid, "publish.browser", "destination redirected to login")
		case PageChallenge:
			return domain.Errorf(domain.KindSessionInvalid, "publish.browser", "destination requested verification")
		}
		select {
		case <-ctx.Done():
			return domain.Wrap(domain.KindTransientNetwork, "publish.browser", fmt.Errorf("upload form never appeared: %w", ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (b *BrowserPublisher) clickPost(ctx context.Context) error {
	postCtx, cancel := context.WithTimeout(ctx, defaultPostWait)
	defer cancel()

	sel := b.opts.Selectors
	_ = clickIfPresent(postCtx, sel.CookieBanner)
	b.humanMove(postCtx)
	if err := chromedp.Run(postCtx, chromedp.Click(sel.PostButton, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return b.runError(ctx, "post button never enabled", err)
	}
	confirmCtx, cancelConfirm := context.WithTimeout(ctx, 2*time.Second)
	defer cancelConfirm()
	_ = clickIfPresent(confirmCtx, sel.ConfirmButton)
	return nil
}

func clickIfPresent(ctx context.Context, sel string) error {
	if sel == "" {
		return nil
	}
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	return chromedp.Run(ctx, chromedp.MouseClickNode(nodes[0]))
}

func (b *BrowserPublisher) awaitPublishedID(ctx context.Context) string {
	waitCtx, cancel := context.WithTimeout(ctx, defaultResultWait)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		var html string
		if err := chromedp.Run(waitCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err == nil {
			if id := PublishedID(html, b.opts.Selectors); id != "" {
				return id
			}
		}
		select {
		case <-waitCtx.Done():
			return ""
		case <-ticker.C:
		}
	}
}

func (b *BrowserPublisher) randFloat(lo, hi float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo + b.rng.Float64()*(hi-lo)
}

func (b *BrowserPublisher) pause(ctx context.Context, lo, hi time.Duration) {
	d := time.Duration(b.randFloat(float64(lo), float64(hi)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// humanMove drifts the pointer to a random viewport position.
func (b *BrowserPublisher) humanMove(ctx context.Context) {
	if !b.opts.HumanBehavior {
		return
	}
	x := b.randFloat(100, defaultViewportW-80)
	y := b.randFloat(100, defaultViewportH-80)
	_ = chromedp.Run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y))
	b.pause(ctx, 100*time.Millisecond, 600*time.Millisecond)
}

// humanIncidentals clicks a random subset of harmless elements.
func (b *BrowserPublisher) humanIncidentals(ctx context.Context) {
	if !b.opts.HumanBehavior {
		return
	}
	targets := append([]string(nil), b.opts.Selectors.Incidental...)
	b.mu.Lock()
	b.rng.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	b.mu.Unlock()
	if len(targets) > 2 {
		targets = targets[:2]
	}
	for _, sel := range targets {
		b.humanMove(ctx)
		clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = clickIfPresent(clickCtx, sel)
		cancel()
		b.pause(ctx, 100*time.Millisecond, time.Second)
	}
}

// runError classifies chromedp failures. Parent cancellation is returned as
// is; anything else is treated as a network-level failure worth retrying.
func (b *BrowserPublisher) runError(parent context.Context, step string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	b.log.WarnObj("browser step failed", "step", map[string]any{"step": step, "error": err.Error()})
	return domain.Wrap(domain.KindTransientNetwork, "publish.browser", fmt.Errorf("%s: %w", step, err))
}
