// Package progress renders byte-transfer progress for long uploads and
// downloads.
package progress

import (
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Output is where progress bars render. Tests and the AMQP worker set it to
// io.Discard.
var Output io.Writer = os.Stderr

// Bytes returns a progress bar sized for total bytes. A non-positive total
// renders as a spinner.
func Bytes(total int64, description string) *progressbar.ProgressBar {
	if total <= 0 {
		total = -1
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(Output),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(500*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			_, _ = io.WriteString(Output, "\n")
		}),
		progressbar.OptionClearOnFinish(),
	)
}

// Copy streams src into dst while advancing a bar.
func Copy(dst io.Writer, src io.Reader, total int64, description string) (int64, error) {
	bar := Bytes(total, description)
	n, err := io.Copy(io.MultiWriter(dst, bar), src)
	if err == nil {
		_ = bar.Finish()
	}
	return n, err
}
