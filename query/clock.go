package query

import "time"

// timeNowUnixNano is the fallback time source when a Context has no
// explicit entrystore.Clock (production use; tests always inject one).
func timeNowUnixNano() int64 {
	return time.Now().UnixNano()
}
