// Package harvest is the change-detection engine: it decides which remote
// granules to fetch, fetches them and records every outcome in the index.
package harvest

import (
	"os"
	"time"

	"github.com/sells-group/granule-sync/internal/model"
)

// Decision is the outcome of change detection for one remote object.
type Decision int

const (
	Skip Decision = iota
	Fetch
)

func (d Decision) String() string {
	if d == Fetch {
		return "fetch"
	}
	return "skip"
}

// Decide returns Fetch when there is no record for the object, the last
// attempt failed, the source reports no modification time, or the last
// download is not strictly newer than the source modification.
func Decide(remote model.RemoteObject, existing *model.GranuleRecord) Decision {
	switch {
	case existing == nil:
		return Fetch
	case !existing.HarvestSuccess:
		return Fetch
	case remote.ModifiedTime == nil:
		return Fetch
	case !existing.DownloadTime.After(*remote.ModifiedTime):
		return Fetch
	}
	return Skip
}

// EffectiveModTime is the source modification time used for local-copy
// reuse. Unknown times count as the run check time.
func EffectiveModTime(remote model.RemoteObject, checkTime time.Time) time.Time {
	if remote.ModifiedTime != nil {
		return *remote.ModifiedTime
	}
	return checkTime
}

// ReusableLocal reports whether the file at path is strictly newer than
// modTime and can stand in for a download.
func ReusableLocal(path string, modTime time.Time) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.ModTime().After(modTime)
}
