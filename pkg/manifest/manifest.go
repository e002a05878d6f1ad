package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bizflycloud/krista-backup/pkg/support"
)

var ErrEmpty = errors.New("manifest is empty")

// Signature identifies the state of one file at archive time.
type Signature struct {
	Mtime float64
	Size  int64
}

// Entry is one "mtime,size,path" line.
type Entry struct {
	Signature
	Path string
}

func (e Entry) String() string {
	return support.FormatMtime(e.Mtime) + "," + strconv.FormatInt(e.Size, 10) + "," + e.Path
}

// Manifest lists the files stored in one archive.
type Manifest struct {
	Archive string
	Entries []Entry

	// Malformed holds the 1-based numbers of lines that were skipped.
	Malformed []int
}

// Index maps paths to their signatures.
func (m *Manifest) Index() map[string]Signature {
	idx := make(map[string]Signature, len(m.Entries))
	for _, e := range m.Entries {
		idx[e.Path] = e.Signature
	}
	return idx
}

// Add appends an entry.
func (m *Manifest) Add(path string, sig Signature) {
	m.Entries = append(m.Entries, Entry{Signature: sig, Path: path})
}

// Parse reads a manifest. Lines that do not carry two commas or whose
// signature does not parse are recorded in Malformed and skipped.
func Parse(r io.Reader) (*Manifest, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	m := &Manifest{}
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if lineNo == 1 {
			m.Archive = line
			continue
		}
		if line == "" {
			continue
		}
		e, ok := parseLine(line)
		if !ok {
			m.Malformed = append(m.Malformed, lineNo)
			continue
		}
		m.Entries = append(m.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if lineNo == 0 {
		return nil, ErrEmpty
	}
	return m, nil
}

func parseLine(line string) (Entry, bool) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) < 3 {
		return Entry{}, false
	}
	mtime, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Entry{}, false
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Signature: Signature{Mtime: mtime, Size: size}, Path: parts[2]}, true
}

// Load parses the manifest stored at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return m, nil
}

// WriteTo writes m in its on-disk form.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	write := func(s string) error {
		c, err := bw.WriteString(s)
		n += int64(c)
		return err
	}
	if err := write(m.Archive + "\n"); err != nil {
		return n, err
	}
	for _, e := range m.Entries {
		if err := write(e.String() + "\n"); err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// Save writes m to path through a temporary file in the same directory that
// is renamed into place.
func Save(path string, m *Manifest) error {
	f, err := ioutil.TempFile(filepath.Dir(path), "temp-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
