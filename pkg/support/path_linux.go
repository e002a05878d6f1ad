//go:build linux
// +build linux

package support

import (
	"os/user"
	"path/filepath"
)

// CheckPath returns the default log file and trigger file locations for the
// current user.
func CheckPath() (string, string, error) {
	var logPath, triggerPath string
	currentUser, err := user.Current()
	if err != nil {
		return "", "", err
	}

	if currentUser.Username == "root" {
		logPath = "/var/log/krista-backup/krista-backup.log"
		triggerPath = "/var/run/krista-backup/trigger"
	} else {
		logPath = filepath.Join(currentUser.HomeDir, ".krista-backup", "krista-backup.log")
		triggerPath = filepath.Join(currentUser.HomeDir, ".krista-backup", "trigger")
	}

	return logPath, triggerPath, nil
}
