package cleanup

import (
	"path/filepath"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/pattern"
)

type archiveStrategy struct {
	p ArchiveProducer
}

func (s archiveStrategy) Clean(c *Cleaner, rule Rule, dir string) error {
	return cleanProducer(c, s.p, nil, rule, dir)
}

type dumpStrategy struct {
	p DumpProducer
}

func (s dumpStrategy) Clean(c *Cleaner, rule Rule, dir string) error {
	var exclusions []string
	for _, db := range s.p.ExcludedDatabases() {
		fragment := pattern.Fragment(db, s.p.UseRegexp())
		if fragment == "" {
			continue
		}
		p, err := s.p.DumpPattern(fragment)
		if err != nil {
			c.logger().Warn("cannot build exclusion", zap.String("database", db), zap.Error(err))
			continue
		}
		exclusions = append(exclusions, p)
	}
	return cleanProducer(c, s.p, exclusions, rule, dir)
}

func cleanProducer(c *Cleaner, p Producer, exclusions []string, rule Rule, dir string) error {
	if rule.empty() {
		c.logger().Info("neither days nor max_files set, nothing to do", zap.String("source", p.Name()))
		return nil
	}
	if dir == "" {
		dir = p.Dirname()
	}
	raw, err := p.Patterns()
	if err != nil {
		return err
	}
	patterns := c.compile(raw)
	c.logger().Debug("cleanup groups", zap.String("source", p.Name()), zap.Strings("patterns", raw))

	found := c.collect(dir, patterns, c.compile(exclusions))
	return c.Remove(c.selectFiles(p, found, rule))
}

type relocationStrategy struct {
	p RelocationProducer
}

func (s relocationStrategy) Clean(c *Cleaner, _ Rule, _ string) error {
	periods := s.p.Periods()
	subs := s.p.Subactions()
	if len(periods) == 0 || len(subs) == 0 {
		return nil
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Name < periods[j].Name })

	var errs error
	for _, period := range periods {
		path := period.Path
		if path == "" {
			path = period.Name
		}
		dir := filepath.Join(s.p.PeriodRoot(), path)
		rule := Rule{Days: period.Days, MaxFiles: period.MaxFiles}
		for _, sub := range subs {
			strategy, err := Match(sub)
			if err != nil {
				c.logger().Error("skip subaction", zap.String("period", period.Name), zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			errs = multierr.Append(errs, strategy.Clean(c, rule, dir))
		}
	}
	return errs
}
