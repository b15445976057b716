// Package push implements the WebSub subscriber side: hub subscription with
// lease renewal and the callback endpoint that receives upload notifications.
package push

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TopicURL returns the hub topic for a channel's upload feed.
func TopicURL(channelID string) string {
	return "https://www.youtube.com/xml/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}

// ChannelFromTopic extracts the channel id from a topic URL.
func ChannelFromTopic(topic string) string {
	u, err := url.Parse(topic)
	if err != nil {
		return ""
	}
	return u.Query().Get("channel_id")
}

// Entry is one video announced by the hub.
type Entry struct {
	VideoID   string    `json:"video_id"`
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	Published time.Time `json:"published"`
	Updated   time.Time `json:"updated"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	VideoID   string     `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	ChannelID string     `xml:"http://www.youtube.com/xml/schemas/2015 channelId"`
	Title     string     `xml:"title"`
	Author    string     `xml:"author>name"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Links     []atomLink `xml:"link"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
}

// ParseFeed decodes a hub notification body. Deleted-entry notices carry no
// entry elements and yield an empty slice.
func ParseFeed(body []byte) ([]Entry, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse atom feed: %w", err)
	}
	out := make([]Entry, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		id := strings.TrimSpace(e.VideoID)
		if id == "" {
			id = videoIDFromLinks(e.Links)
		}
		if id == "" {
			continue
		}
		out = append(out, Entry{
			VideoID:   id,
			ChannelID: strings.TrimSpace(e.ChannelID),
			Title:     strings.TrimSpace(e.Title),
			Author:    strings.TrimSpace(e.Author),
			Published: parseTime(e.Published),
			Updated:   parseTime(e.Updated),
		})
	}
	return out, nil
}

func videoIDFromLinks(links []atomLink) string {
	for _, l := range links {
		u, err := url.Parse(l.Href)
		if err != nil {
			continue
		}
		if v := u.Query().Get("v"); v != "" && strings.Contains(u.Host, "youtube.com") {
			return v
		}
	}
	return ""
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
