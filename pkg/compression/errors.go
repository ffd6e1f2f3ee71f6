package compression

import "fmt"

func errUnknownAlgorithm(name string) error {
	return fmt.Errorf("unknown compression algorithm: %q", name)
}
