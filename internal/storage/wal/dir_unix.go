//go:build !windows

package wal

import (
	"os"

	"github.com/pkg/errors"
)

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open dir %s", dir)
	}
	defer d.Close()
	return errors.Wrapf(d.Sync(), "sync dir %s", dir)
}
