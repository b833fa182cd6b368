package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// youtubeIDPattern extracts the 11-char video ID from any of the common
// YouTube URL forms, mirroring the dedup idea in scraper.YouTubeScraper.
var youtubeIDPattern = regexp.MustCompile(`(?:v=|youtu\.be/|/embed/|/shorts/)([A-Za-z0-9_-]{11})`)

// YouTubeProvider fetches video metadata from the YouTube Data API v3
// "videos" endpoint (contentDetails + snippet + statistics parts).
type YouTubeProvider struct {
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewYouTubeProvider creates a provider using apiKey for the Data API.
func NewYouTubeProvider(apiKey string) *YouTubeProvider {
	return &YouTubeProvider{
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// Supports reports whether sourceURL is a YouTube URL this provider can
// extract a video ID from.
func (p *YouTubeProvider) Supports(sourceURL string) bool {
	return youtubeIDPattern.MatchString(sourceURL)
}

type videosResponse struct {
	Items []struct {
		Snippet struct {
			Title        string   `json:"title"`
			Description  string   `json:"description"`
			ChannelTitle string   `json:"channelTitle"`
			PublishedAt  string   `json:"publishedAt"`
			Tags         []string `json:"tags"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
		Statistics struct {
			ViewCount string `json:"viewCount"`
			LikeCount string `json:"likeCount"`
		} `json:"statistics"`
	} `json:"items"`
	Error *struct {
		Code int `json:"code"`
	} `json:"error"`
}

// ErrQuotaExhausted is returned when the YouTube API quota is exceeded.
var ErrQuotaExhausted = fmt.Errorf("media: youtube API quota exhausted")

// Metadata implements MetadataProvider.
func (p *YouTubeProvider) Metadata(ctx context.Context, sourceURL string) (Metadata, error) {
	if p.apiKey == "" {
		return Metadata{}, fmt.Errorf("media: youtube API key required")
	}
	match := youtubeIDPattern.FindStringSubmatch(sourceURL)
	if match == nil {
		return Metadata{}, fmt.Errorf("media: %s is not a youtube URL", sourceURL)
	}
	videoID := match[1]

	if err := p.rateLimiter.Wait(ctx); err != nil {
		return Metadata{}, err
	}

	params := url.Values{
		"part": {"snippet,contentDetails,statistics"},
		"id":   {videoID},
		"key":  {p.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://www.googleapis.com/youtube/v3/videos?"+params.Encode(), nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return Metadata{}, ErrQuotaExhausted
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Metadata{}, err
	}
	var vr videosResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return Metadata{}, err
	}
	if len(vr.Items) == 0 {
		return Metadata{}, fmt.Errorf("media: video %s not found", videoID)
	}
	item := vr.Items[0]

	published, _ := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
	views, _ := strconv.ParseInt(item.Statistics.ViewCount, 10, 64)
	likes, _ := strconv.ParseInt(item.Statistics.LikeCount, 10, 64)

	return Metadata{
		DurationSeconds: parseISO8601Duration(item.ContentDetails.Duration).Seconds(),
		ViewCount:       views,
		LikeCount:       likes,
		UploadDate:      published,
		Author:          item.Snippet.ChannelTitle,
		Categories:      item.Snippet.Tags,
		Description:     item.Snippet.Description,
	}, nil
}

// iso8601DurationPattern parses the PT#H#M#S form the Data API returns.
var iso8601DurationPattern = regexp.MustCompile(`P(?:(\d+)D)?T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?`)

func parseISO8601Duration(s string) time.Duration {
	m := iso8601DurationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	days := atoiOr0(m[1])
	hours := atoiOr0(m[2])
	mins := atoiOr0(m[3])
	secs := atoiOr0(m[4])
	return time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second
}

func atoiOr0(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// CanonicalID returns the youtube video ID embedded in sourceURL, or "" if
// sourceURL is not a recognized YouTube form. It is the provider-specific
// half of the natural-identifier canonicalizer; semantic.NaturalID is the
// function callers use during source-identity dedup.
func CanonicalID(sourceURL string) string {
	m := youtubeIDPattern.FindStringSubmatch(sourceURL)
	if m == nil {
		return ""
	}
	return m[1]
}
