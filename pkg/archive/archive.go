package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrFileChanged reports a regular file that shrank between stat and
	// copy. The entry is still written, padded with zeros to its recorded
	// size, so the archive stays readable.
	ErrFileChanged = errors.New("file changed while being archived")
)

// Kind selects the container and compression of an archive.
type Kind int

const (
	TarGzip Kind = iota
	TarBzip2
	TarXz
	TarZstd
	Zip
)

var extensions = [...]string{
	TarGzip:  "tar.gz",
	TarBzip2: "tar.bz2",
	TarXz:    "xz",
	TarZstd:  "tar.zst",
	Zip:      "zip",
}

// Extension is the file extension used in archive names.
func (k Kind) Extension() string {
	return extensions[k]
}

func (k Kind) String() string {
	return k.Extension()
}

// TarKind maps a compression_lib value to a tar kind. Unknown values fall
// back to gzip and report false.
func TarKind(lib string) (Kind, bool) {
	switch strings.ToLower(lib) {
	case "", "gzip":
		return TarGzip, true
	case "bzip", "bzip2":
		return TarBzip2, true
	case "lzma", "xz":
		return TarXz, true
	case "zstd":
		return TarZstd, true
	}
	return TarGzip, false
}

// Writer adds filesystem entries to an archive.
type Writer interface {
	// Add stores the entry at path under name. Directories are stored
	// without their content.
	Add(path, name string, fi fs.FileInfo) error
	Close() error
}

// Create opens a new archive file at path. level is clamped to 0..9.
func Create(path string, kind Kind, level int) (Writer, error) {
	if level < 0 {
		level = 0
	}
	if level > 9 {
		level = 9
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}

	var w Writer
	if kind == Zip {
		w = newZipWriter(f, level)
	} else {
		w, err = newTarWriter(f, kind, level)
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func compressor(w io.Writer, kind Kind, level int) (io.WriteCloser, error) {
	switch kind {
	case TarGzip:
		return gzip.NewWriterLevel(w, level)
	case TarBzip2:
		if level < bzip2.BestSpeed {
			level = bzip2.BestSpeed
		}
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
	case TarXz:
		return xz.NewWriter(w)
	case TarZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	return nil, fmt.Errorf("no compressor for %s", kind)
}

type tarWriter struct {
	file *os.File
	comp io.WriteCloser
	tw   *tar.Writer
}

func newTarWriter(f *os.File, kind Kind, level int) (*tarWriter, error) {
	comp, err := compressor(f, kind, level)
	if err != nil {
		return nil, err
	}
	return &tarWriter{file: f, comp: comp, tw: tar.NewWriter(comp)}, nil
}

func (t *tarWriter) Add(path, name string, fi fs.FileInfo) error {
	var link string
	if fi.Mode()&fs.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if fi.IsDir() && !strings.HasSuffix(name, "/") {
		hdr.Name += "/"
	}
	if !fi.Mode().IsRegular() {
		return t.tw.WriteHeader(hdr)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := t.tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.CopyN(t.tw, f, hdr.Size)
	if err == io.EOF {
		if _, err := io.CopyN(t.tw, zeros{}, hdr.Size-n); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s: read %d of %d bytes", ErrFileChanged, path, n, hdr.Size)
	}
	return err
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (t *tarWriter) Close() error {
	err := t.tw.Close()
	if cerr := t.comp.Close(); err == nil {
		err = cerr
	}
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	return err
}

type zipWriter struct {
	file   *os.File
	zw     *zip.Writer
	method uint16
}

func newZipWriter(f *os.File, level int) *zipWriter {
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	method := zip.Deflate
	if level == 0 {
		method = zip.Store
	}
	return &zipWriter{file: f, zw: zw, method: method}
}

func (z *zipWriter) Add(path, name string, fi fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = z.method
	mode := fi.Mode()
	switch {
	case mode.IsDir():
		if !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
		hdr.Method = zip.Store
		_, err = z.zw.CreateHeader(hdr)
		return err
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		w, err := z.zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, target)
		return err
	case mode.IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w, err := z.zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		return err
	}
	return fmt.Errorf("%w: %s (%s)", ErrUnsupportedType, path, mode.Type())
}

func (z *zipWriter) Close() error {
	err := z.zw.Close()
	if cerr := z.file.Close(); err == nil {
		err = cerr
	}
	return err
}
