package library

// Source names what triggered a reconciliation run.
type Source string

const (
	SourceStartup  Source = "startup"
	SourcePeriodic Source = "periodic"
	SourceManual   Source = "manual"
	SourceRequest  Source = "request"
	SourceWatcher  Source = "watcher"
	SourceCLI      Source = "cli"
)

// RefreshesCache reports whether the run rewrites cache entries of books
// that didn't change, so that entries cached before a move can't outlive it.
func (s Source) RefreshesCache() bool {
	return s == SourceStartup || s == SourcePeriodic || s == SourceCLI
}

func (s Source) Valid() bool {
	switch s {
	case SourceStartup, SourcePeriodic, SourceManual, SourceRequest, SourceWatcher, SourceCLI:
		return true
	}
	return false
}
