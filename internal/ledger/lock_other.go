//go:build !unix

package ledger

// lockFile is a no-op where advisory file locks are unavailable; writers in
// the same process are still serialised by FileStore's mutex.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
