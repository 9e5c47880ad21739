package nudb

import "github.com/nudb-go/nudb/recovery"

// Recover replays a pending commit against an unclean database, per
// spec.md §4.5. It must be called, and succeed, before Open on a database
// whose log file is non-empty.
func Recover(dataPath, keyPath, logPath string) error {
	return recovery.Recover(dataPath, keyPath, logPath)
}
