package detection

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/push"
	"github.com/samvad-hq/vidrelay/pkg/httpclient"
)

const maxHTMLBodyBytes = 1 << 20 // 1 MiB

// Resolver turns a push entry into an ItemDescriptor.
type Resolver interface {
	Resolve(ctx context.Context, e push.Entry) (domain.ItemDescriptor, error)
}

// PageGetter fetches a page. *httpclient.RestyClient satisfies it.
type PageGetter interface {
	GetPage(ctx context.Context, url string, headers map[string]string) (int, []byte, error)
}

// WatchPageResolver reads the watch page's structured metadata. Hubs also
// notify on title edits of old uploads, so the page's publish date wins over
// the feed's timestamps.
type WatchPageResolver struct {
	client  PageGetter
	baseURL string
}

// NewWatchPageResolver builds a resolver against baseURL (https://www.youtube.com).
func NewWatchPageResolver(client PageGetter, baseURL string) *WatchPageResolver {
	if client == nil {
		client = httpclient.NewRestyClient(15 * time.Second)
	}
	if baseURL == "" {
		baseURL = "https://www.youtube.com"
	}
	return &WatchPageResolver{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Resolve fetches the watch page. On failure the feed-derived descriptor is
// returned together with the error.
func (r *WatchPageResolver) Resolve(ctx context.Context, e push.Entry) (domain.ItemDescriptor, error) {
	item := domain.ItemDescriptor{
		ChannelID:   e.ChannelID,
		SourceID:    e.VideoID,
		Title:       e.Title,
		URL:         domain.WatchURL(e.VideoID),
		PublishedAt: e.Published,
		Source:      domain.SourcePush,
	}

	meta, err := r.fetchMeta(ctx, e.VideoID)
	if err != nil {
		if ctx.Err() != nil {
			return item, ctx.Err()
		}
		return item, err
	}
	if meta.Title != "" {
		item.Title = meta.Title
	}
	if !meta.Published.IsZero() {
		item.PublishedAt = meta.Published
	}
	if meta.ChannelID != "" && item.ChannelID == "" {
		item.ChannelID = meta.ChannelID
	}
	return item, nil
}

func (r *WatchPageResolver) fetchMeta(ctx context.Context, videoID string) (pageMeta, error) {
	url := r.baseURL + "/watch?v=" + videoID
	status, body, err := r.client.GetPage(ctx, url, map[string]string{"Accept-Language": "en-US,en;q=0.8"})
	if err != nil {
		return pageMeta{}, domain.Wrap(domain.KindTransientNetwork, "resolve", fmt.Errorf("http fetch: %w", err))
	}
	if status != 200 {
		return pageMeta{}, domain.Errorf(domain.KindTransientNetwork, "resolve", "status %d body: %s", status, httpclient.Snippet(body))
	}
	if len(body) > maxHTMLBodyBytes {
		body = body[:maxHTMLBodyBytes]
	}
	return parseMeta(body)
}

type pageMeta struct {
	Title     string
	ChannelID string
	Published time.Time
}

func parseMeta(body []byte) (pageMeta, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pageMeta{}, fmt.Errorf("parse html: %w", err)
	}

	extract := func(sel string) string {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			if val, ok := node.Attr("content"); ok {
				return strings.TrimSpace(val)
			}
		}
		return ""
	}

	pm := pageMeta{
		Title: firstNonEmpty(
			extract(`meta[property="og:title"]`),
			extract(`meta[name="title"]`),
			strings.TrimSpace(doc.Find("title").First().Text()),
		),
		ChannelID: extract(`meta[itemprop="channelId"]`),
	}
	pm.Published = parseDate(firstNonEmpty(
		extract(`meta[itemprop="datePublished"]`),
		extract(`meta[itemprop="uploadDate"]`),
	))
	return pm, nil
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
