package sandbox

import (
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/docker/docker/pkg/stdcopy"
)

// Output is the combined stdout and stderr captured from a container.
type Output struct {
	Text      string
	Truncated bool
}

var errOutputLimit = errors.New("output limit reached")

// cappedWriter keeps at most limit bytes. The write that crosses the limit
// fails so the copy from the log stream stops instead of draining it.
// A limit of 0 or less keeps everything.
type cappedWriter struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	room := w.limit - int64(w.buf.Len())
	if int64(len(p)) <= room {
		return w.buf.Write(p)
	}
	if room > 0 {
		w.buf.Write(p[:room])
	} else {
		room = 0
	}
	w.truncated = true
	return int(room), errOutputLimit
}

func (w *cappedWriter) output() Output {
	b := w.buf.Bytes()
	if w.truncated {
		// Drop a rune split by the cut.
		for i := 0; i < utf8.UTFMax-1 && len(b) > 0; i++ {
			r, size := utf8.DecodeLastRune(b)
			if r != utf8.RuneError || size != 1 {
				break
			}
			b = b[:len(b)-1]
		}
	}
	return Output{Text: string(b), Truncated: w.truncated}
}

// demuxOutput reads a multiplexed Docker log stream into one interleaved
// output of at most limit bytes.
func demuxOutput(r io.Reader, limit int64) (Output, error) {
	w := &cappedWriter{limit: limit}
	if _, err := stdcopy.StdCopy(w, w, r); err != nil && !errors.Is(err, errOutputLimit) {
		return Output{}, err
	}
	return w.output(), nil
}
