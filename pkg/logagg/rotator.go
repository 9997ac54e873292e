package logagg

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// RotateIfNeeded rotates path if it has grown to at least maxSize
// bytes, keeping up to keep prior generations (optionally gzipped).
// It reports whether a rotation happened.
func RotateIfNeeded(path string, maxSize int64, keep int, compress bool) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	if fi.Size() < maxSize {
		return false, nil
	}

	suffix := func(i int) string {
		if compress {
			return fmt.Sprintf("%s.%d.gz", path, i)
		}
		return fmt.Sprintf("%s.%d", path, i)
	}

	overflow := suffix(keep + 1)
	if err := os.Remove(overflow); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("logagg: remove overflow %s: %w", overflow, err)
	}

	for i := keep - 1; i >= 1; i-- {
		oldName, newName := suffix(i), suffix(i+1)
		if err := os.Rename(oldName, newName); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("logagg: rename %s to %s: %w", oldName, newName, err)
		}
	}

	firstGen := path + ".1"
	if err := os.Rename(path, firstGen); err != nil {
		return false, fmt.Errorf("logagg: rename %s to %s: %w", path, firstGen, err)
	}

	if compress {
		if err := gzipFile(firstGen, firstGen+".gz"); err != nil {
			// path was already renamed to firstGen above, so the
			// rotation itself happened regardless of this failure;
			// the caller must still reopen path. Clean up whatever
			// partial .gz output gzipFile left behind and leave
			// firstGen in place uncompressed rather than losing it.
			if rmErr := os.Remove(firstGen + ".gz"); rmErr != nil && !os.IsNotExist(rmErr) {
				return true, fmt.Errorf("logagg: remove partial %s.gz: %w", firstGen, rmErr)
			}
			return true, fmt.Errorf("logagg: compress %s: %w", firstGen, err)
		}
		if err := os.Remove(firstGen); err != nil {
			return true, fmt.Errorf("logagg: remove uncompressed %s: %w", firstGen, err)
		}
	}

	return true, nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}
