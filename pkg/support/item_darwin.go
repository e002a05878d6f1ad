//go:build darwin
// +build darwin

package support

import (
	"io/fs"
	"syscall"
)

// Signature returns the modification time in fractional seconds and the size
// recorded for fi in a manifest.
func Signature(fi fs.FileInfo) (float64, int64) {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return float64(stat.Mtimespec.Sec) + float64(stat.Mtimespec.Nsec)/1e9, stat.Size
	}
	return modTime(fi), fi.Size()
}
