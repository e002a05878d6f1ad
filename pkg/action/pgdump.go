package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bizflycloud/krista-backup/pkg/archive"
	"github.com/bizflycloud/krista-backup/pkg/cleanup"
	"github.com/bizflycloud/krista-backup/pkg/naming"
	"github.com/bizflycloud/krista-backup/pkg/shell"
)

var (
	ErrNoDatabases = errors.New("no databases to dump")
	ErrDumpFailed  = errors.New("database dump failed")
)

var pgDumpStderr = shell.StreamParams{
	DefaultLevel: zapcore.ErrorLevel,
	RemoveHeader: true,
	Filters: map[zapcore.Level][]string{
		zapcore.DebugLevel: {
			"reading .*",
			"last built-in .*",
			"identifying .*",
			"finding .*",
			"flagging .*",
			"saving .*",
			"dumping .*",
			"AC MODEL: .*",
			"obtained maximum .*",
		},
	},
}

var pgDumpStdout = shell.StreamParams{
	DefaultLevel: zapcore.DebugLevel,
	RemoveHeader: true,
}

// PgDump dumps PostgreSQL databases with pg_dump, one file per database.
// With mode "all" the database list is read from the server, otherwise the
// databases attribute is used.
type PgDump struct {
	Base         `mapstructure:",squash"`
	Format       string   `mapstructure:"format"`
	CommandPath  string   `mapstructure:"command_path"`
	Opts         string   `mapstructure:"opts"`
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	User         string   `mapstructure:"user"`
	Password     string   `mapstructure:"password"`
	Databases    []string `mapstructure:"databases"`
	Mode         string   `mapstructure:"mode"`
	Exclusions   []string `mapstructure:"exclusions"`
	ChecksumFile bool     `mapstructure:"checksum_file"`

	// listDatabases is replaced in tests.
	listDatabases func(ctx context.Context) ([]string, error)
}

var (
	_ Action               = (*PgDump)(nil)
	_ cleanup.DumpProducer = (*PgDump)(nil)
)

func NewPgDump() *PgDump {
	return &PgDump{
		Base:        newBase(),
		Format:      "custom",
		CommandPath: "pg_dump",
		Port:        5432,
		Mode:        "single",
	}
}

func (p *PgDump) env() []string {
	if p.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + p.Password}
}

// DatabaseListCommand builds the psql pipeline listing every database.
func (p *PgDump) DatabaseListCommand() string {
	var args []string
	args = append(args, "psql")
	if p.User != "" {
		args = append(args, "--user", p.User)
	}
	if p.Host != "" && p.User != "" {
		args = append(args, "--host", p.Host)
	}
	if p.Port != 0 {
		args = append(args, "--port", strconv.Itoa(p.Port))
	}
	args = append(args, "--tuples-only", "--dbname", "postgres")
	psql := strings.Join(args, " ")
	if p.User == "" {
		psql = fmt.Sprintf(`su postgres -c "%s"`, psql)
	}
	return `echo "select datname from pg_database" | ` + psql
}

func (p *PgDump) queryDatabases(ctx context.Context) ([]string, error) {
	line := p.DatabaseListCommand()
	p.Logger().Debug("list databases", zap.String("command", line))
	out, err := shell.Output(ctx, line, p.env()...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// DatabaseList returns the databases selected by mode.
func (p *PgDump) DatabaseList(ctx context.Context) ([]string, error) {
	if strings.EqualFold(strings.TrimSpace(p.Mode), "all") {
		list := p.listDatabases
		if list == nil {
			list = p.queryDatabases
		}
		return list(ctx)
	}
	var out []string
	for _, db := range p.Databases {
		if db = strings.TrimSpace(db); db != "" {
			out = append(out, db)
		}
	}
	return out, nil
}

func (p *PgDump) format() string {
	return strings.ToLower(strings.TrimSpace(p.Format))
}

// DumpCommand builds the shell command dumping database into path. Every
// format except directory writes to standard output, which is redirected
// into path.
func (p *PgDump) DumpCommand(database, path string) string {
	args := []string{p.CommandPath}
	if opts := strings.TrimSpace(p.Opts); opts != "" {
		args = append(args, opts)
	}
	args = append(args, "--dbname", database)
	if p.Host != "" && p.User != "" {
		args = append(args, "--host", p.Host)
	}
	if p.Port != 0 {
		args = append(args, "--port", strconv.Itoa(p.Port))
	}
	if p.User != "" {
		args = append(args, "--username", p.User)
	}
	args = append(args, "--format="+p.format())
	if p.format() == "directory" {
		args = append(args, "--file="+path)
	}

	line := strings.Join(args, " ")
	if p.User == "" {
		line = "su postgres -c " + shell.Quote(line)
	}
	if p.format() != "directory" {
		line += " > " + shell.Quote(path)
	}
	return line
}

func (p *PgDump) dumpName(f naming.Format, database string) (string, error) {
	if p.Scheme() == nil {
		return "", fmt.Errorf("%s: no naming scheme", p.Name())
	}
	return p.Scheme().Render(f, p.Fields(), naming.Fields{"dbname": database})
}

func (p *PgDump) dump(ctx context.Context, database string) error {
	name, err := p.dumpName(naming.PgDump, database)
	if err != nil {
		return err
	}
	path := filepath.Join(p.DestPath, name)

	if _, err := os.Stat(p.DestPath); os.IsNotExist(err) {
		p.Logger().Debug("create destination", zap.String("dir", p.DestPath))
		if !p.Dry {
			if err := os.MkdirAll(p.DestPath, 0755); err != nil {
				return err
			}
		}
	}
	if p.format() == "directory" && !p.Dry {
		if err := os.MkdirAll(path, 0700); err != nil {
			return err
		}
	}

	err = shell.Run(ctx, p.Logger(), shell.Command{
		Line:   p.DumpCommand(database, path),
		Env:    p.env(),
		Stdout: pgDumpStdout,
		Stderr: pgDumpStderr,
		Dry:    p.Dry,
	})
	if err != nil {
		return err
	}
	p.Logger().Info("database dumped", zap.String("database", database), zap.String("path", path))

	if p.ChecksumFile && !p.Dry {
		hashName, err := p.dumpName(naming.PgDumpHash, database)
		if err != nil {
			return err
		}
		if _, err := archive.WriteChecksum(path, filepath.Join(p.DestPath, hashName)); err != nil {
			return fmt.Errorf("checksum: %w", err)
		}
	}
	return nil
}

func (p *PgDump) Start(ctx context.Context) error {
	databases, err := p.DatabaseList(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	if len(databases) == 0 {
		p.Logger().Warn("no databases to dump")
		return ErrNoDatabases
	}
	exclusions := p.exclusions(p.Exclusions)

	var failed []string
	for _, db := range databases {
		if exclusions.Match(db) {
			p.Logger().Debug("-", zap.String("database", db))
			continue
		}
		if err := p.dump(ctx, db); err != nil {
			p.Logger().Error("dump failed", zap.String("database", db), zap.Error(err))
			failed = append(failed, db)
			continue
		}
		p.Logger().Debug("+", zap.String("database", db))
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrDumpFailed, strings.Join(failed, ", "))
	}
	return nil
}

// Patterns lists the dump and checksum patterns of every database.
func (p *PgDump) Patterns() ([]string, error) {
	databases, err := p.DatabaseList(context.Background())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, db := range databases {
		dump, err := p.DumpPattern(regexp.QuoteMeta(db))
		if err != nil {
			return nil, err
		}
		out = append(out, dump)
		if p.ChecksumFile {
			hash, err := p.Scheme().Pattern(naming.PgDumpHash, p.Fields(), naming.Fields{"dbname": regexp.QuoteMeta(db)})
			if err != nil {
				return nil, err
			}
			out = append(out, hash)
		}
	}
	return out, nil
}

// DumpPattern returns the dump file pattern with dbname inserted as a
// regular expression.
func (p *PgDump) DumpPattern(dbname string) (string, error) {
	if p.Scheme() == nil {
		return "", fmt.Errorf("%s: no naming scheme", p.Name())
	}
	return p.Scheme().Pattern(naming.PgDump, p.Fields(), naming.Fields{"dbname": dbname})
}

func (p *PgDump) ExcludedDatabases() []string {
	return p.Exclusions
}
