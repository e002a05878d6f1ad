package support

import "errors"

func FreeSpace(path string) (uint64, error) {
	return 0, errors.New("free space check is not supported on windows")
}
