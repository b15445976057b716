package publish

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/pkg/httpclient"
)

// StrategyAPI is the direct upload strategy name.
const StrategyAPI = "api"

// APIOptions configures the direct upload strategy.
type APIOptions struct {
	// BaseURL is the destination upload API root; media is posted to BaseURL+"/upload".
	BaseURL   string
	Account   string
	Timeout   time.Duration
	ProxyURL  string
	UserAgent string
	Now       func() time.Time
}

type apiResponse struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
	ItemID     string `json:"item_id"`
}

// APIPublisher uploads with an authenticated multipart request.
type APIPublisher struct {
	client  *resty.Client
	baseURL string
	account string
	now     func() time.Time
	log     logger.Logger
}

// NewAPIPublisher builds the api strategy.
func NewAPIPublisher(opts APIOptions, log logger.Logger) (*APIPublisher, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, domain.Errorf(domain.KindConfigurationInvalid, "publish.api", "api url not configured")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	client := httpclient.NewRestyHTTPClient(httpclient.Options{
		Timeout:   opts.Timeout,
		ProxyURL:  opts.ProxyURL,
		UserAgent: opts.UserAgent,
	})
	return &APIPublisher{client: client, baseURL: base, account: opts.Account, now: now, log: logger.Ensure(log)}, nil
}

// Publish uploads media in one request and returns the platform item id.
func (p *APIPublisher) Publish(ctx context.Context, media Media, session credentials.SessionMaterial) (Result, error) {
	if _, err := os.Stat(media.Path); err != nil {
		return Result{}, domain.Wrap(domain.KindContentDefect, "publish.api", err)
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetCookies(HTTPCookies(session)).
		SetHeader("Accept", "application/json").
		SetFile("video", media.Path).
		SetFormData(map[string]string{
			"title":      media.Title,
			"source_id":  media.SourceID,
			"source_url": media.SourceURL,
			"account":    p.account,
		}).
		Post(p.baseURL + "/upload")
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, domain.Wrap(domain.KindTransientNetwork, "publish.api", err)
	}
	if err := StatusError("publish.api", resp.StatusCode(), resp.Header().Get("Retry-After"), resp.Body(), p.now()); err != nil {
		p.log.WarnObj("api publish rejected", "response", map[string]any{
			"status": resp.StatusCode(),
			"kind":   domain.KindOf(err),
			"source": media.SourceID,
		})
		return Result{}, err
	}

	var body apiResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return Result{}, domain.Errorf(domain.KindUnexpectedFault, "publish.api", "decode response: %v: %s", err, httpclient.Snippet(resp.Body()))
	}
	if body.StatusCode != 0 {
		return Result{}, domain.Errorf(domain.KindContentDefect, "publish.api", "platform status %d: %s", body.StatusCode, body.StatusMsg)
	}
	if body.ItemID == "" {
		return Result{}, domain.Errorf(domain.KindUnexpectedFault, "publish.api", "response carried no item id")
	}
	return Result{PlatformID: body.ItemID, Strategy: StrategyAPI, Attempts: 1, PublishedAt: p.now()}, nil
}
