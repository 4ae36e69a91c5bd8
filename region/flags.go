package region

import "strings"

// EventFlags describe where an operation comes from.
type EventFlags uint8

const (
	// FlagLocal: the operation applies to this client only.
	FlagLocal EventFlags = 1 << iota
	// FlagNotification: the server pushed this change.
	FlagNotification
	// FlagEviction: the change is an eviction.
	FlagEviction
	// FlagExpiration: the change is an expiration.
	FlagExpiration
	// FlagNoCacheWriter skips the region's Writer.
	FlagNoCacheWriter
	// FlagNoCallbacks skips the region's Listener.
	FlagNoCallbacks
)

func (f EventFlags) IsLocal() bool        { return f&FlagLocal != 0 }
func (f EventFlags) IsNotification() bool { return f&FlagNotification != 0 }
func (f EventFlags) IsEvictOrExpire() bool {
	return f&(FlagEviction|FlagExpiration) != 0
}

// InvokeCacheWriter reports whether the Writer sees this operation.
// Local operations, notifications, evictions and expirations never reach it.
func (f EventFlags) InvokeCacheWriter() bool {
	return f&(FlagLocal|FlagNotification|FlagEviction|FlagExpiration|FlagNoCacheWriter) == 0
}

// InvokeListener reports whether the Listener sees this operation.
func (f EventFlags) InvokeListener() bool { return f&FlagNoCallbacks == 0 }

func (f EventFlags) String() string {
	if f == 0 {
		return "normal"
	}
	var parts []string
	for _, x := range []struct {
		f    EventFlags
		name string
	}{
		{FlagLocal, "local"},
		{FlagNotification, "notification"},
		{FlagEviction, "eviction"},
		{FlagExpiration, "expiration"},
		{FlagNoCacheWriter, "no-writer"},
		{FlagNoCallbacks, "no-callbacks"},
	} {
		if f&x.f != 0 {
			parts = append(parts, x.name)
		}
	}
	return strings.Join(parts, "|")
}
