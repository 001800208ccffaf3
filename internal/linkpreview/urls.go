package linkpreview

import (
	"net/url"
	"regexp"
	"strings"
)

// maxURLs — не больше стольких превью на одно сообщение.
const maxURLs = 5

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// ExtractURLs возвращает абсолютные http(s)-ссылки из текста без повторов, в порядке появления.
func ExtractURLs(text string) []string {
	found := urlPattern.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(found))
	out := make([]string, 0, len(found))
	for _, raw := range found {
		raw = strings.TrimRight(raw, ".,;:!?)]}\"'")
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
		if len(out) == maxURLs {
			break
		}
	}
	return out
}
