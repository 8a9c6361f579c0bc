//go:build !unix

package notebook

// Without flock the file store is only safe within a single process.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
