package publish

import (
	"sort"
	"strings"
	"time"

	"github.com/samvad-hq/vidrelay/internal/config"
	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/retry"
	"github.com/samvad-hq/vidrelay/pkg/channels"
)

// Deps carries what a strategy needs at construction time.
type Deps struct {
	Config  *config.Config
	Channel channels.ChannelConfig
	Store   *credentials.Store
	Log     logger.Logger
	Now     func() time.Time
}

// Builder constructs one publishing strategy for a channel.
type Builder func(d Deps) (Publisher, error)

// Registry maps a publish_method value to its Builder.
type Registry map[string]Builder

// DefaultRegistry returns builders for the api and browser strategies.
func DefaultRegistry() Registry {
	return Registry{
		StrategyAPI:     buildAPI,
		StrategyBrowser: buildBrowser,
	}
}

// Methods lists the registered method names.
func (r Registry) Methods() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build selects the strategy for the channel once and wraps it with retry.
func (r Registry) Build(d Deps, runner retry.Runner) (Publisher, error) {
	method := strings.ToLower(strings.TrimSpace(d.Channel.PublishMethod))
	builder, ok := r[method]
	if !ok {
		return nil, domain.Errorf(domain.KindConfigurationInvalid, "publish", "unknown publish method %q (have %s)", method, strings.Join(r.Methods(), ", "))
	}
	p, err := builder(d)
	if err != nil {
		return nil, err
	}
	return WithRetry(p, runner, d.Log), nil
}

func buildAPI(d Deps) (Publisher, error) {
	base := d.Channel.Destination.APIURL
	if base == "" && d.Config != nil {
		base = d.Config.PublishAPIURL
	}
	opts := APIOptions{
		BaseURL:   base,
		Account:   d.Channel.Destination.Account,
		UserAgent: d.Channel.UserAgent,
		Now:       d.Now,
	}
	if d.Config != nil {
		opts.Timeout = d.Config.HTTPTimeout
	}
	if d.Store != nil {
		opts.ProxyURL = d.Store.ProxyURL()
		opts.UserAgent = d.Store.UserAgent
	}
	return NewAPIPublisher(opts, d.Log)
}

func buildBrowser(d Deps) (Publisher, error) {
	opts := BrowserOptions{
		UserAgent: d.Channel.UserAgent,
		Selectors: DefaultSelectors(),
		Now:       d.Now,
		Headless:  true,
	}
	human := false
	if d.Config != nil {
		opts.UploadURL = d.Config.BrowserUploadURL
		opts.Headless = d.Config.BrowserHeadless
		opts.Timeout = d.Config.BrowserTimeout
		human = d.Config.DefaultHumanBehavior
	}
	opts.HumanBehavior = d.Channel.HumanBehaviorOr(human)
	if d.Store != nil {
		opts.Proxy = d.Store.Proxy
		opts.UserAgent = d.Store.UserAgent
	}
	return NewBrowserPublisher(opts, d.Log)
}
