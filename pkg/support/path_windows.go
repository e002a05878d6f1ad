package support

func CheckPath() (string, string, error) {
	logPath := "C:\\Program Files\\krista-backup\\log\\krista-backup.log"
	triggerPath := "C:\\Program Files\\krista-backup\\trigger"

	return logPath, triggerPath, nil
}
