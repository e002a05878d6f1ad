package support

import (
	"io/fs"
	"syscall"
)

func Signature(fi fs.FileInfo) (float64, int64) {
	if stat, ok := fi.Sys().(*syscall.Win32FileAttributeData); ok {
		size := int64(stat.FileSizeHigh)<<32 | int64(stat.FileSizeLow)
		return float64(stat.LastWriteTime.Nanoseconds()) / 1e9, size
	}
	return modTime(fi), fi.Size()
}
