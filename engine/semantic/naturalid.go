package semantic

import "regexp"

// youtubeIDPattern matches an 11-character YouTube video id embedded in any
// of its URL forms (watch?v=, youtu.be/, /embed/, /shorts/), the same shape
// the media acquirer's source-identity check needs.
var youtubeIDPattern = regexp.MustCompile(`(?:v=|youtu\.be/|/embed/|/shorts/)([A-Za-z0-9_-]{11})`)

// NaturalID extracts a provider-specific natural identifier embedded
// anywhere in url, if one is recognised. The empty string means no natural
// identifier applies and url must be matched verbatim instead.
func NaturalID(url string) string {
	if m := youtubeIDPattern.FindStringSubmatch(url); m != nil {
		return "youtube:" + m[1]
	}
	return ""
}
