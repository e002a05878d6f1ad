//go:build darwin
// +build darwin

package support

import (
	"os/user"
	"path/filepath"
)

func CheckPath() (string, string, error) {
	var logPath, triggerPath string
	user, err := user.Current()
	if err != nil {
		return "", "", err
	}

	if user.Username == "root" {
		logPath = "/var/log/krista-backup/krista-backup.log"
		triggerPath = "/var/run/krista-backup/trigger"
	} else {
		logPath = filepath.Join(user.HomeDir, "Library", "Logs", "krista-backup", "krista-backup.log")
		triggerPath = filepath.Join(user.HomeDir, ".krista-backup", "trigger")
	}

	return logPath, triggerPath, nil
}
