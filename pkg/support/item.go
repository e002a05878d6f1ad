package support

import (
	"io/fs"
	"strconv"
	"strings"
)

func modTime(fi fs.FileInfo) float64 {
	t := fi.ModTime()
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// FormatMtime renders a signature time the way it is stored in manifests:
// shortest exact decimal form, always with a fractional part.
func FormatMtime(mtime float64) string {
	s := strconv.FormatFloat(mtime, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
