//go:build !linux

package worker

import "github.com/pkg/errors"

func mkfifo(path string, mode uint32) error {
	return errors.New("worker: named pipes are only supported on linux")
}
