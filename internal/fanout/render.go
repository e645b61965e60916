package fanout

import (
	"html/template"
	"strings"

	"github.com/you/cheerfx/internal/core"
)

var partial = template.Must(template.New("play_sfx").Parse(
	`<div class="cheer-alert" data-artifact="{{.ArtifactID}}">` +
		`<audio autoplay src="{{.Source}}"></audio>` +
		`<p class="cheer-alert__name">{{.DisplayName}} cheered {{.Bits}} bits</p>` +
		`<p class="cheer-alert__message">{{.Message}}</p>` +
		`</div>`))

// Render produces the overlay snippet for n with all fields escaped.
func Render(n core.Notification) (string, error) {
	var b strings.Builder
	if err := partial.Execute(&b, n); err != nil {
		return "", err
	}
	return b.String(), nil
}
