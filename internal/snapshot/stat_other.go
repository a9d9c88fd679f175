//go:build !linux

package snapshot

import "os"

func statFile(path string) (fileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStat{}, err
	}
	return fileStat{
		modTime: info.ModTime().UnixNano(),
		regular: info.Mode().IsRegular(),
	}, nil
}
