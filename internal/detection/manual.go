package detection

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)

// VideoID extracts the id from watch, short-link, shorts and embed URLs, or
// accepts a bare id.
func VideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", domain.Errorf(domain.KindConfigurationInvalid, "manual", "not a video url: %q", raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch {
	case host == "youtu.be":
		id = strings.Trim(u.Path, "/")
	case strings.HasSuffix(host, "youtube.com"):
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live") {
			id = parts[1]
		}
	}
	if !videoIDPattern.MatchString(id) {
		return "", domain.Errorf(domain.KindConfigurationInvalid, "manual", "no video id in %q", raw)
	}
	return id, nil
}

// ManualItem builds the descriptor for an operator-requested run.
func ManualItem(channelID, raw string, now time.Time) (domain.ItemDescriptor, error) {
	id, err := VideoID(raw)
	if err != nil {
		return domain.ItemDescriptor{}, err
	}
	return domain.ItemDescriptor{
		ChannelID:   channelID,
		SourceID:    id,
		URL:         domain.WatchURL(id),
		PublishedAt: now,
		Source:      domain.SourceManual,
	}, nil
}
