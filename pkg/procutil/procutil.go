package procutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/prometheus/procfs"
)

// Process is a process whose command line matched.
type Process struct {
	PID     int
	Cmdline string
}

// Table scans a proc filesystem.
type Table struct {
	fs   procfs.FS
	self int
}

// NewTable opens the proc filesystem mounted at mountPoint. An empty mount
// point selects /proc.
func NewTable(mountPoint string) (*Table, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &Table{fs: fs, self: os.Getpid()}, nil
}

// Find returns the processes other than the caller whose space-joined
// command line matches re. Processes that exit during the scan are ignored.
func (t *Table) Find(re *regexp.Regexp) ([]Process, error) {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	var found []Process
	for _, p := range procs {
		if p.PID == t.self {
			continue
		}
		args, err := p.CmdLine()
		if err != nil || len(args) == 0 {
			continue
		}
		cmdline := strings.Join(args, " ") + " "
		if re.MatchString(cmdline) {
			found = append(found, Process{PID: p.PID, Cmdline: strings.TrimSpace(cmdline)})
		}
	}
	return found, nil
}

// RunPattern matches "<exe> run <unit>" in a command line. An empty unit
// matches any unit.
func RunPattern(exe, unit string) *regexp.Regexp {
	name := `\S+`
	if unit != "" {
		name = regexp.QuoteMeta(unit)
	}
	return regexp.MustCompile(`(^|/|\s)` + regexp.QuoteMeta(exe) + `\s+run\s+` + name + `\s`)
}

// Executable returns the base name of the running binary.
func Executable() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}

// MountSource returns the device mounted at mountPoint according to the
// mount table, or false when nothing is mounted there.
func MountSource(mountPoint string) (string, bool, error) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		return "", false, err
	}
	clean := filepath.Clean(mountPoint)
	for _, m := range mounts {
		if filepath.Clean(m.MountPoint) == clean {
			return m.Source, true, nil
		}
	}
	return "", false, nil
}
