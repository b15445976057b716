package detection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/pkg/channels"
)

// Lister queries the listing API with one credential.
type Lister interface {
	List(ctx context.Context, key, channelID, api string) ([]domain.ItemDescriptor, error)
}

// KeyError marks a failure attributable to the credential itself.
type KeyError struct {
	Reason credentials.Reason
	Err    error
}

func (e *KeyError) Error() string { return fmt.Sprintf("credential %s: %v", e.Reason, e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }

// YouTubeOptions configures the Data API client.
type YouTubeOptions struct {
	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint   string
	MaxResults int64
	UserAgent  string
}

// YouTubeLister lists recent uploads through the YouTube Data API v3.
type YouTubeLister struct {
	opts YouTubeOptions

	mu       sync.Mutex
	services map[string]*youtube.Service
}

// NewYouTubeLister builds a lister. One service is created per key on first use.
func NewYouTubeLister(opts YouTubeOptions) *YouTubeLister {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	return &YouTubeLister{opts: opts, services: make(map[string]*youtube.Service)}
}

func (l *YouTubeLister) service(ctx context.Context, key string) (*youtube.Service, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if svc, ok := l.services[key]; ok {
		return svc, nil
	}
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if l.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(l.opts.Endpoint))
	}
	if l.opts.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(l.opts.UserAgent))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	l.services[key] = svc
	return svc, nil
}

// UploadsPlaylist returns the uploads playlist id for a channel id.
func UploadsPlaylist(channelID string) string {
	if strings.HasPrefix(channelID, "UC") {
		return "UU" + channelID[2:]
	}
	return channelID
}

// List returns the newest uploads, newest first.
func (l *YouTubeLister) List(ctx context.Context, key, channelID, api string) ([]domain.ItemDescriptor, error) {
	svc, err := l.service(ctx, key)
	if err != nil {
		return nil, domain.Wrap(domain.KindConfigurationInvalid, "list", err)
	}
	var items []domain.ItemDescriptor
	if api == channels.ListingActivities {
		items, err = l.listActivities(ctx, svc, channelID)
	} else {
		items, err = l.listPlaylist(ctx, svc, channelID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyAPIError(err)
	}
	return items, nil
}

func (l *YouTubeLister) listPlaylist(ctx context.Context, svc *youtube.Service, channelID string) ([]domain.ItemDescriptor, error) {
	resp, err := svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(UploadsPlaylist(channelID)).
		MaxResults(l.opts.MaxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ItemDescriptor, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ContentDetails == nil || it.ContentDetails.VideoId == "" {
			continue
		}
		d := domain.ItemDescriptor{
			ChannelID: channelID,
			SourceID:  it.ContentDetails.VideoId,
			URL:       domain.WatchURL(it.ContentDetails.VideoId),
			Source:    domain.SourcePoll,
		}
		if it.Snippet != nil {
			d.Title = it.Snippet.Title
			d.PublishedAt = parseRFC3339(it.Snippet.PublishedAt)
		}
		if it.ContentDetails.VideoPublishedAt != "" {
			if t := parseRFC3339(it.ContentDetails.VideoPublishedAt); !t.IsZero() {
				d.PublishedAt = t
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (l *YouTubeLister) listActivities(ctx context.Context, svc *youtube.Service, channelID string) ([]domain.ItemDescriptor, error) {
	resp, err := svc.Activities.List([]string{"snippet", "contentDetails"}).
		ChannelId(channelID).
		MaxResults(l.opts.MaxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ItemDescriptor, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.Snippet == nil || it.Snippet.Type != "upload" {
			continue
		}
		if it.ContentDetails == nil || it.ContentDetails.Upload == nil || it.ContentDetails.Upload.VideoId == "" {
			continue
		}
		id := it.ContentDetails.Upload.VideoId
		out = append(out, domain.ItemDescriptor{
			ChannelID:   channelID,
			SourceID:    id,
			Title:       it.Snippet.Title,
			URL:         domain.WatchURL(id),
			PublishedAt: parseRFC3339(it.Snippet.PublishedAt),
			Source:      domain.SourcePoll,
		})
	}
	return out, nil
}

func parseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

var (
	quotaReasons = map[string]bool{"quotaExceeded": true, "dailyLimitExceeded": true}
	rateReasons  = map[string]bool{"rateLimitExceeded": true, "userRateLimitExceeded": true}
	authReasons  = map[string]bool{"keyInvalid": true, "keyExpired": true, "accessNotConfigured": true, "forbidden": true, "ipRefererBlocked": true}
	notFound     = map[string]bool{"playlistNotFound": true, "channelNotFound": true, "notFound": true}
)

// classifyAPIError maps Data API failures onto domain kinds. Credential
// problems come back as *KeyError so the caller can rotate.
func classifyAPIError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return domain.Wrap(domain.KindTransientNetwork, "list", err)
	}
	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	switch {
	case quotaReasons[reason]:
		return &KeyError{Reason: credentials.ReasonQuota, Err: domain.Wrap(domain.KindCredentialExhausted, "list", err)}
	case rateReasons[reason] || gerr.Code == http.StatusTooManyRequests:
		return domain.RateLimited("list", 0, err)
	case authReasons[reason] || gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return &KeyError{Reason: credentials.ReasonAuth, Err: domain.Wrap(domain.KindCredentialExhausted, "list", err)}
	case gerr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(gerr.Message), "api key"):
		return &KeyError{Reason: credentials.ReasonAuth, Err: domain.Wrap(domain.KindCredentialExhausted, "list", err)}
	case notFound[reason] || gerr.Code == http.StatusNotFound:
		return domain.Wrap(domain.KindConfigurationInvalid, "list", err)
	case gerr.Code >= 500:
		return domain.Wrap(domain.KindTransientNetwork, "list", err)
	default:
		return &KeyError{Reason: credentials.ReasonOther, Err: domain.Wrap(domain.KindCredentialExhausted, "list", err)}
	}
}
