package transcript

import (
	"fmt"
	"strings"

	"callpipe/internal/models"
)

// Render builds the chronological "[mm:ss] Speaker: text" view shared by all
// analysis requests.
func Render(segments []models.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		total := seg.StartMS / 1000
		fmt.Fprintf(&b, "[%02d:%02d] %s: %s\n", total/60, total%60, seg.Speaker, seg.Text)
	}
	return b.String()
}
