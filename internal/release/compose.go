package release

import (
	"encoding/json"
	"html"
	"strings"

	"clipflow/internal/domain"
)

const (
	maxCaption = 1024
	maxAlbum   = 10
	separator  = "\n\n➖➖➖\n\n"
)

// compose builds the moderation preview for one capture or an
// assembled batch: sections in submission order, a combined media set,
// the channel signature at the end. The text uses HTML markup; the
// destination normalizes it to plain text plus entities on first send.
func compose(jobs []domain.CaptureJob, signature string) (string, []domain.MediaItem) {
	var parts []string
	var media []domain.MediaItem
	for _, j := range jobs {
		var res domain.CaptureResult
		if err := json.Unmarshal(j.Result, &res); err != nil {
			parts = append(parts, html.EscapeString(j.SourceURL))
			continue
		}

		var b strings.Builder
		if res.Author != "" {
			b.WriteString("<b>" + html.EscapeString(res.Author) + "</b>")
			if res.Handle != "" {
				b.WriteString(" (@" + html.EscapeString(res.Handle) + ")")
			}
			b.WriteString(":\n")
		}
		b.WriteString(html.EscapeString(res.Text))
		src := res.SourceURL
		if src == "" {
			src = j.SourceURL
		}
		if src != "" {
			b.WriteString("\n\n🔗 <a href=\"" + src + "\">Source</a>")
		}
		parts = append(parts, b.String())
		media = append(media, res.Media...)
	}

	body := strings.Join(parts, separator)
	if signature != "" {
		body += "\n\n📡 " + signature
	}
	if len(media) > maxAlbum {
		media = media[:maxAlbum]
	}
	if len(media) > 0 {
		body = clip(body, maxCaption)
	}
	return body, media
}

// clip shortens s to max code points, marking the cut.
func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
