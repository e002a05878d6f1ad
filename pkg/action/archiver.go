package action

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/archive"
	"github.com/bizflycloud/krista-backup/pkg/cleanup"
	"github.com/bizflycloud/krista-backup/pkg/manifest"
	"github.com/bizflycloud/krista-backup/pkg/naming"
	"github.com/bizflycloud/krista-backup/pkg/pattern"
	"github.com/bizflycloud/krista-backup/pkg/progress"
	"github.com/bizflycloud/krista-backup/pkg/support"
)

// MaxLevel is the deepest supported incremental level.
const MaxLevel = 1

var (
	ErrArchiveExists = errors.New("archive already exists")
	ErrLevelFolders  = errors.New("level_folders does not cover the level")
)

// AddRetryDelay is the pause before an entry that failed to be added is
// tried again.
var AddRetryDelay = 5 * time.Second

// Archiver creates incremental tar or zip archives of src_path.
type Archiver struct {
	Base               `mapstructure:",squash"`
	Compression        int      `mapstructure:"compression"`
	CompressionLib     string   `mapstructure:"compression_lib"`
	Level              int      `mapstructure:"level"`
	LevelFolders       []string `mapstructure:"level_folders"`
	Exclusions         []string `mapstructure:"exclusions"`
	CheckLevelListOnly bool     `mapstructure:"check_level_list_only"`
	Overwrite          bool     `mapstructure:"overwrite"`
	ChecksumFile       bool     `mapstructure:"checksum_file"`
	UseAbsolutePath    bool     `mapstructure:"use_absolute_path"`
	LogFiles           bool     `mapstructure:"log_files"`
	ListExt            string   `mapstructure:"list_extension"`
	HashExt            string   `mapstructure:"hash_extension"`

	zip     bool
	kind    archive.Kind
	incList map[string]manifest.Signature
	create  func(path string, kind archive.Kind, level int) (archive.Writer, error)

	// Result of the last run.
	ArchivePath  string
	ManifestPath string
	Stat         progress.Stat
}

var (
	_ Action                  = (*Archiver)(nil)
	_ cleanup.ArchiveProducer = (*Archiver)(nil)
)

func newArchiver() *Archiver {
	return &Archiver{
		Base:               newBase(),
		Compression:        5,
		LevelFolders:       []string{"0", "1"},
		CheckLevelListOnly: true,
		ListExt:            "list",
		HashExt:            "hash",
		create:             archive.Create,
	}
}

// NewTar creates a tar archiver, gzip compressed unless compression_lib
// says otherwise.
func NewTar() *Archiver {
	a := newArchiver()
	a.CompressionLib = "gzip"
	return a
}

// NewZip creates a zip archiver.
func NewZip() *Archiver {
	a := newArchiver()
	a.CompressionLib = "zip"
	a.zip = true
	return a
}

// ListExtension is the extension of manifest files.
func (a *Archiver) ListExtension() string { return a.ListExt }

// Extension is the archive file extension.
func (a *Archiver) Extension() string {
	a.configureKind()
	return a.kind.Extension()
}

func (a *Archiver) configureKind() {
	if a.zip {
		a.kind = archive.Zip
		return
	}
	kind, ok := archive.TarKind(a.CompressionLib)
	if !ok {
		a.Logger().Warn("unknown compression_lib, using gzip", zap.String("compression_lib", a.CompressionLib))
	}
	a.kind = kind
}

func (a *Archiver) levelDir(level int) string {
	if len(a.LevelFolders) == 0 {
		return a.DestPath
	}
	return filepath.Join(a.DestPath, a.LevelFolders[level])
}

// Dirname is the folder of the configured level.
func (a *Archiver) Dirname() string {
	level := a.Level
	if level > MaxLevel {
		level = MaxLevel
	}
	if level < 0 || (len(a.LevelFolders) > 0 && level >= len(a.LevelFolders)) {
		level = 0
	}
	return a.levelDir(level)
}

func (a *Archiver) render(f naming.Format, overrides naming.Fields) (string, error) {
	if a.Scheme() == nil {
		return "", fmt.Errorf("%s: no naming scheme", a.Name())
	}
	return a.Scheme().Render(f, a.Fields(), overrides)
}

// Patterns lists the archive, manifest and checksum patterns of every level.
func (a *Archiver) Patterns() ([]string, error) {
	levels := len(a.LevelFolders)
	if levels == 0 {
		levels = a.Level + 1
	}
	var out []string
	for level := 0; level < levels; level++ {
		archivePattern, err := a.Scheme().Pattern(naming.FsDump, a.Fields(), naming.Fields{"level": level})
		if err != nil {
			return nil, err
		}
		listPattern, err := a.listPattern(level)
		if err != nil {
			return nil, err
		}
		out = append(out, archivePattern, listPattern)
		if a.ChecksumFile {
			hashPattern, err := a.Scheme().Pattern(naming.FsDumpHash, a.Fields(), naming.Fields{"level": level})
			if err != nil {
				return nil, err
			}
			out = append(out, hashPattern)
		}
	}
	return out, nil
}

func (a *Archiver) listPattern(level int) (string, error) {
	return a.Scheme().Pattern(naming.FsDump, a.Fields(), naming.Fields{
		"level": level,
		"ext":   regexp.QuoteMeta(a.ListExt),
	})
}

func (a *Archiver) configure() error {
	if a.Compression < 0 {
		a.Compression = 0
	}
	if a.Compression > 9 {
		a.Compression = 9
	}
	if a.Level > MaxLevel {
		a.Logger().Warn("levels above 1 are not supported, using level 1", zap.Int("level", a.Level))
		a.Level = MaxLevel
	}
	if a.Level < 0 {
		a.Level = 0
	}
	if len(a.LevelFolders) > 0 && len(a.LevelFolders) < a.Level+1 {
		return fmt.Errorf("%w: level %d, level_folders %v", ErrLevelFolders, a.Level, a.LevelFolders)
	}
	if _, err := os.Stat(a.SrcPath); err != nil {
		return fmt.Errorf("%w: %s", ErrNoSource, a.SrcPath)
	}
	a.configureKind()
	return nil
}

// findManifest returns the newest manifest of level in its folder.
func (a *Archiver) findManifest(level int) (string, bool) {
	dir := a.levelDir(level)
	p, err := a.listPattern(level)
	if err != nil {
		a.Logger().Warn("cannot build manifest pattern", zap.Error(err))
		return "", false
	}
	re, err := naming.Compile(p + "$")
	if err != nil {
		return "", false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	type candidate struct {
		path string
		t    time.Time
	}
	var found []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !re.MatchString(e.Name()) {
			continue
		}
		t, _ := a.ExtractTime(e.Name(), p)
		found = append(found, candidate{path: filepath.Join(dir, e.Name()), t: t})
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].t.Equal(found[j].t) {
			return found[i].t.Before(found[j].t)
		}
		return found[i].path < found[j].path
	})
	newest := found[len(found)-1].path
	a.Logger().Debug("previous level manifest", zap.Int("level", level), zap.String("manifest", newest))
	return newest, true
}

// adjustLevel lowers the level until a manifest of the previous level
// exists and loads its entries.
func (a *Archiver) adjustLevel() {
	var listFile string
	for a.Level > 0 {
		var ok bool
		if listFile, ok = a.findManifest(a.Level - 1); ok {
			break
		}
		a.Level--
	}
	if listFile == "" {
		a.Logger().Warn("no manifest of the previous level, creating a full backup", zap.Int("level", a.Level))
		return
	}

	m, err := manifest.Load(listFile)
	if err != nil {
		a.Logger().Warn("cannot read manifest, creating a full backup", zap.String("manifest", listFile), zap.Error(err))
		a.Level = 0
		return
	}
	if !a.CheckLevelListOnly {
		if _, err := os.Stat(m.Archive); err != nil {
			a.Logger().Warn("archive of the manifest is missing, creating a full backup", zap.String("archive", m.Archive))
			a.Level = 0
			return
		}
	}
	for _, line := range m.Malformed {
		a.Logger().Warn("malformed manifest line skipped", zap.String("manifest", listFile), zap.Int("line", line))
	}
	a.incList = m.Index()
}

func (a *Archiver) Start(ctx context.Context) error {
	started := time.Now()
	a.incList = nil
	a.Stat = progress.Stat{}

	if err := a.configure(); err != nil {
		return err
	}
	exclusions := a.exclusions(a.Exclusions)
	if a.Level > 0 {
		a.adjustLevel()
	}

	dir := a.levelDir(a.Level)
	archiveName, err := a.render(naming.FsDump, naming.Fields{"level": a.Level, "ext": a.kind.Extension()})
	if err != nil {
		return err
	}
	listName, err := a.render(naming.FsDump, naming.Fields{"level": a.Level, "ext": a.ListExt})
	if err != nil {
		return err
	}
	a.ArchivePath = filepath.Join(dir, archiveName)
	a.ManifestPath = filepath.Join(dir, listName)

	if _, err := os.Lstat(a.ArchivePath); err == nil {
		if !a.Overwrite {
			return fmt.Errorf("%w: %s", ErrArchiveExists, a.ArchivePath)
		}
		if !a.Dry {
			if err := os.Remove(a.ArchivePath); err != nil {
				return err
			}
		}
	}
	if !a.Dry {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	a.Logger().Info("archive source", zap.String("src", a.SrcPath), zap.Int("level", a.Level))

	var w archive.Writer
	if !a.Dry {
		create := a.create
		if create == nil {
			create = archive.Create
		}
		if w, err = create(a.ArchivePath, a.kind, a.Compression); err != nil {
			return err
		}
	}
	m := &manifest.Manifest{Archive: a.ArchivePath}

	p := progress.NewProgress(10 * time.Second)
	p.OnUpdate = func(s progress.Stat, d time.Duration, _ bool) {
		a.Logger().Debug("archiving", zap.Stringer("stat", s), zap.Duration("elapsed", d))
	}
	p.OnDone = func(s progress.Stat, _ time.Duration, _ bool) {
		a.Stat = s
	}
	p.Start()
	walkErr := a.fill(ctx, w, m, exclusions, p)
	p.Done()

	if w != nil {
		if err := w.Close(); err != nil {
			return fmt.Errorf("close archive %s: %w", a.ArchivePath, err)
		}
	}
	if walkErr != nil {
		return walkErr
	}
	if !a.Dry {
		if err := manifest.Save(a.ManifestPath, m); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	}
	a.Logger().Info("archive created",
		zap.String("archive", a.ArchivePath),
		zap.Stringer("stat", a.Stat),
		zap.Duration("duration", time.Since(started)))

	if a.ChecksumFile && !a.Dry {
		hashName, err := a.render(naming.FsDumpHash, naming.Fields{"level": a.Level, "ext": a.HashExt})
		if err != nil {
			return err
		}
		sum, err := archive.WriteChecksum(a.ArchivePath, filepath.Join(dir, hashName))
		if err != nil {
			return fmt.Errorf("checksum: %w", err)
		}
		a.Logger().Debug("checksum written", zap.String("sha1", sum))
	}
	return nil
}

func (a *Archiver) fill(ctx context.Context, w archive.Writer, m *manifest.Manifest, exclusions *pattern.Set, p *progress.Progress) error {
	files := a.Logger()
	if !a.LogFiles {
		files = zap.NewNop()
	}
	root := a.SrcPath

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			a.Logger().Warn("cannot read", zap.String("path", path), zap.Error(err))
			p.Report(progress.Stat{Errors: 1})
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			files.Debug("vanished", zap.String("path", rel))
			return nil
		}

		if exclusions.Match(rel) {
			files.Debug("ex", zap.String("path", rel))
			return nil
		}
		mtime, size := support.Signature(fi)
		sig := manifest.Signature{Mtime: mtime, Size: size}
		if prev, ok := a.incList[rel]; ok && prev == sig {
			files.Debug("eq", zap.String("path", rel))
			p.Report(progress.Stat{Skipped: 1})
			return nil
		}
		files.Debug("add", zap.String("path", rel))

		if !a.Dry {
			if err := a.add(ctx, w, path, rel, fi); err != nil {
				a.Logger().Warn("entry skipped", zap.String("path", rel), zap.Error(err))
				p.Report(progress.Stat{Errors: 1})
				return nil
			}
		}
		m.Add(rel, sig)
		if d.IsDir() {
			p.Report(progress.Stat{Dirs: 1})
		} else {
			p.Report(progress.Stat{Files: 1, Bytes: uint64(size)})
		}
		return nil
	})
}

// add stores one entry, retrying once after AddRetryDelay with a fresh
// stat. Entries that no longer exist, or that were written while changing,
// are not retried.
func (a *Archiver) add(ctx context.Context, w archive.Writer, path, rel string, fi fs.FileInfo) error {
	name := filepath.ToSlash(rel)
	if a.UseAbsolutePath {
		if abs, err := filepath.Abs(path); err == nil {
			name = filepath.ToSlash(abs)
		}
	}
	attempt := 0
	op := func() error {
		if attempt > 0 {
			var err error
			if fi, err = os.Lstat(path); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempt++
		err := w.Add(path, name, fi)
		if os.IsNotExist(err) || errors.Is(err, archive.ErrFileChanged) {
			return backoff.Permanent(err)
		}
		if err != nil {
			a.Logger().Debug("cannot add, retrying", zap.String("path", rel), zap.Duration("delay", AddRetryDelay), zap.Error(err))
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(AddRetryDelay), 1), ctx)
	return backoff.Retry(op, b)
}
