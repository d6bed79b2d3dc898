package rtsp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The replay URL grammar used by the NVRs in this ecosystem:
//
//	rtsp://<user>:<pass>@<host>:<port>/<channel>/b<start>/e<end>/<suffix>
//
// Credentials are literal bytes. NVR firmware rejects percent-encoded
// forms, so nothing here goes through net/url.

// DefaultSuffix selects the s1 main stream (high resolution). s0 is
// the substream fallback for flaky links.
const DefaultSuffix = "replay/s1"

var (
	baseRe    = regexp.MustCompile(`^rtsp://(?:([^/@]*)@)?([\d.]+)(?::(\d+))?/?$`)
	ipRe      = regexp.MustCompile(`@([\d.]+)(?::\d+)?`)
	channelRe = regexp.MustCompile(`(?i)/(c\d+)/`)
	windowRe  = regexp.MustCompile(`/b(\d+)/e(\d+)/`)
	codeRe    = regexp.MustCompile(`(?i)^c[1-9]\d*$`)
)

// ValidChannelCode reports whether code looks like c1, c2, ...
// (case-insensitive, no leading zero).
func ValidChannelCode(code string) bool {
	return codeRe.MatchString(code)
}

// ValidBase reports whether base parses as rtsp://[user:pass@]host[:port].
func ValidBase(base string) bool {
	return baseRe.MatchString(strings.TrimSuffix(base, "/"))
}

// BuildReplayURL assembles {base}/{channel}/b{start}/e{end}/{suffix}.
func BuildReplayURL(base, channel string, startTS, endTS int64, suffix string) string {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	base = strings.TrimSuffix(base, "/")
	return fmt.Sprintf("%s/%s/b%d/e%d/%s", base, channel, startTS, endTS, suffix)
}

// HostIP extracts the NVR IP from the authority of a replay URL or a
// base URL. Empty when the URL carries no @-authority.
func HostIP(rtspURL string) string {
	if m := ipRe.FindStringSubmatch(rtspURL); m != nil {
		return m[1]
	}
	// Base URLs without credentials still carry a host.
	if m := baseRe.FindStringSubmatch(strings.TrimSuffix(rtspURL, "/")); m != nil {
		return m[2]
	}
	return ""
}

// Channel extracts the c<digits> channel token from a replay URL,
// lower-cased. Empty when absent.
func Channel(rtspURL string) string {
	if m := channelRe.FindStringSubmatch(rtspURL); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// Window extracts the b<start>/e<end> capture window.
func Window(rtspURL string) (startTS, endTS int64, ok bool) {
	m := windowRe.FindStringSubmatch(rtspURL)
	if m == nil {
		return 0, 0, false
	}
	startTS, _ = strconv.ParseInt(m[1], 10, 64)
	endTS, _ = strconv.ParseInt(m[2], 10, 64)
	return startTS, endTS, true
}
