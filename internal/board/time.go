package board

import "time"

// timeFormat mirrors the layout the store package persists timestamps in
// (ISO-8601 with microsecond precision, UTC). Kept in sync manually since
// the store package does not export its layout constant.
const timeFormat = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
