package cleanup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/naming"
	"github.com/bizflycloud/krista-backup/pkg/pattern"
)

var ErrNoStrategy = errors.New("no cleanup strategy for action")

// Source is any built action a cleaner can point at.
type Source interface {
	Name() string
}

// Producer is an action whose output files follow its naming scheme.
type Producer interface {
	Source
	// Dirname is the directory the producer writes to.
	Dirname() string
	// Patterns lists the regular expressions of every file kind the
	// producer creates.
	Patterns() ([]string, error)
	ExtractTime(name, pattern string) (time.Time, bool)
}

// ArchiveProducer creates archives and their manifests.
type ArchiveProducer interface {
	Producer
	ListExtension() string
}

// DumpProducer creates one dump per database and may skip some databases.
type DumpProducer interface {
	Producer
	ExcludedDatabases() []string
	// DumpPattern returns the dump file pattern for a database name
	// given as a regular expression fragment.
	DumpPattern(dbname string) (string, error)
	UseRegexp() bool
}

// Period is one retention bucket of a relocation producer.
type Period struct {
	Name     string
	Path     string
	MaxFiles *int
	Days     *int
}

// RelocationProducer copies the newest output of other actions into period
// folders.
type RelocationProducer interface {
	Source
	// PeriodRoot is the directory holding the period folders.
	PeriodRoot() string
	Periods() []Period
	Subactions() []Source
}

// Rule selects files to remove within a group. Nil fields are ignored.
type Rule struct {
	Days     *int
	MaxFiles *int
}

func (r Rule) empty() bool {
	return r.Days == nil && r.MaxFiles == nil
}

// Strategy cleans the output of one producer. An empty dir selects the
// producer's own directory.
type Strategy interface {
	Clean(c *Cleaner, rule Rule, dir string) error
}

// Match selects the strategy for src.
func Match(src Source) (Strategy, error) {
	switch p := src.(type) {
	case RelocationProducer:
		return relocationStrategy{p}, nil
	case DumpProducer:
		return dumpStrategy{p}, nil
	case ArchiveProducer:
		return archiveStrategy{p}, nil
	}
	if src == nil {
		return nil, fmt.Errorf("%w: no source", ErrNoStrategy)
	}
	return nil, fmt.Errorf("%w: %s (%T)", ErrNoStrategy, src.Name(), src)
}

// Cleaner removes files selected by strategies.
type Cleaner struct {
	Fs         afero.Fs
	Logger     *zap.Logger
	Dry        bool
	Exclusions *pattern.Set
	Now        func() time.Time
}

func (c *Cleaner) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Cleaner) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Cleaner) fs() afero.Fs {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	return c.Fs
}

// Clean matches the strategy of src and applies rule.
func (c *Cleaner) Clean(src Source, rule Rule) error {
	strategy, err := Match(src)
	if err != nil {
		return err
	}
	return strategy.Clean(c, rule, "")
}

type groupKey struct {
	ext     string
	pattern string
}

type groups map[groupKey][]string

func (g groups) keys() []groupKey {
	keys := make([]groupKey, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pattern != keys[j].pattern {
			return keys[i].pattern < keys[j].pattern
		}
		return keys[i].ext < keys[j].ext
	})
	return keys
}

type compiled struct {
	source string
	re     *regexp.Regexp
}

func (c *Cleaner) compile(patterns []string) []compiled {
	var out []compiled
	for _, p := range patterns {
		re, err := naming.Compile(p)
		if err != nil {
			c.logger().Warn("invalid pattern", zap.String("pattern", p), zap.Error(err))
			continue
		}
		out = append(out, compiled{source: p, re: re})
	}
	return out
}

// collect groups the entries of dir by extension and matching pattern.
func (c *Cleaner) collect(dir string, patterns []compiled, exclusions []compiled) groups {
	found := make(groups)
	if len(patterns) == 0 {
		c.logger().Warn("no patterns to clean")
		return found
	}
	entries, err := afero.ReadDir(c.fs(), dir)
	if err != nil {
		c.logger().Info("directory cannot be read", zap.String("dir", dir), zap.Error(err))
		return found
	}
	for _, fi := range entries {
		key, ok := c.classify(fi.Name(), patterns, exclusions)
		if !ok {
			continue
		}
		found[key] = append(found[key], filepath.Join(dir, fi.Name()))
	}
	c.logger().Debug("collected files", zap.String("dir", dir), zap.Int("groups", len(found)))
	return found
}

func (c *Cleaner) classify(name string, patterns []compiled, exclusions []compiled) (groupKey, bool) {
	ext := filepath.Ext(name)
	if ext == "" {
		ext = " "
	}
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if c.Exclusions.Match(name) {
			return groupKey{}, false
		}
		for _, ex := range exclusions {
			if ex.re.FindStringSubmatch(name) != nil {
				return groupKey{}, false
			}
		}
		if idx := p.re.SubexpIndex("ext"); idx >= 0 {
			ext = m[idx]
		}
		return groupKey{ext: ext, pattern: p.source}, true
	}
	return groupKey{}, false
}

// selectFiles applies rule to every group and returns the paths to remove.
func (c *Cleaner) selectFiles(p Producer, found groups, rule Rule) []string {
	var (
		remove []string
		seen   = make(map[string]bool)
		now    = c.now()
	)
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			remove = append(remove, path)
		}
	}

	for _, key := range found.keys() {
		files := found[key]
		times := make(map[string]time.Time, len(files))
		for _, f := range files {
			if t, ok := p.ExtractTime(filepath.Base(f), key.pattern); ok {
				times[f] = t
			}
		}

		if rule.Days != nil {
			for _, f := range files {
				t, ok := times[f]
				if ok && ageDays(now, t) >= *rule.Days {
					add(f)
				}
			}
		}

		if rule.MaxFiles != nil {
			sorted := append([]string(nil), files...)
			sort.SliceStable(sorted, func(i, j int) bool {
				return times[sorted[i]].After(times[sorted[j]])
			})
			for i := len(sorted) - 1; i >= 0 && i >= *rule.MaxFiles; i-- {
				add(sorted[i])
			}
		}
	}

	if len(remove) == 0 {
		c.logger().Info("no files to remove")
	} else {
		c.logger().Debug("files to remove", zap.Strings("files", remove))
	}
	return remove
}

// ageDays returns the number of whole days between t and now.
func ageDays(now, t time.Time) int {
	d := now.Sub(t)
	if d < 0 {
		return -1
	}
	return int(d / (24 * time.Hour))
}

// Remove deletes every path. Files and links are removed directly,
// directories recursively. Missing paths are only reported. All other
// failures are logged and returned together after the batch.
func (c *Cleaner) Remove(paths []string) error {
	var errs error
	for _, path := range paths {
		if c.Dry {
			c.logger().Info("dry run, not removed", zap.String("path", path))
			continue
		}
		if err := c.removeOne(path); err != nil {
			c.logger().Error("remove failed", zap.String("path", path), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		c.logger().Debug("removed", zap.String("path", path))
	}
	return errs
}

func (c *Cleaner) removeOne(path string) error {
	fs := c.fs()
	var (
		fi  os.FileInfo
		err error
	)
	if l, ok := fs.(afero.Lstater); ok {
		fi, _, err = l.LstatIfPossible(path)
	} else {
		fi, err = fs.Stat(path)
	}
	if os.IsNotExist(err) {
		c.logger().Info("already removed", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fs.RemoveAll(path)
	}
	err = fs.Remove(path)
	if os.IsNotExist(err) {
		c.logger().Info("already removed", zap.String("path", path))
		return nil
	}
	return err
}
