package entries

import (
	"cmp"
	"fmt"
)

// VersionTag is the version information a server attaches to an update.
type VersionTag struct {
	EntryVersion   uint32
	RegionVersion  uint64
	Member         uint16 // member that made this change
	PreviousMember uint16 // member that made the change this one is based on
	Timestamp      int64
}

// Empty reports whether the tag carries no version information.
func (t *VersionTag) Empty() bool {
	return t == nil || (t.EntryVersion == 0 && t.RegionVersion == 0 && t.Member == 0)
}

func (t *VersionTag) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{v%d rv%d m%d prev%d}", t.EntryVersion, t.RegionVersion, t.Member, t.PreviousMember)
}

// VersionStamp is the version an entry currently holds.
type VersionStamp struct {
	EntryVersion  uint32
	RegionVersion uint64
	Member        uint16
	Timestamp     int64
}

// Empty reports whether the stamp was never set.
func (s VersionStamp) Empty() bool {
	return s.EntryVersion == 0 && s.RegionVersion == 0 && s.Member == 0
}

// SetVersions copies the tag's versions into the stamp.
func (s *VersionStamp) SetVersions(t *VersionTag) {
	if t == nil {
		return
	}
	s.EntryVersion = t.EntryVersion
	s.RegionVersion = t.RegionVersion
	s.Member = t.Member
	s.Timestamp = t.Timestamp
}

// Tag returns a tag describing the stamp, suitable to send back to a server.
func (s VersionStamp) Tag() *VersionTag {
	return &VersionTag{
		EntryVersion:  s.EntryVersion,
		RegionVersion: s.RegionVersion,
		Member:        s.Member,
		Timestamp:     s.Timestamp,
	}
}

// MemberOrder orders distributed-system members; it breaks ties between
// equal entry versions. Negative means a sorts before b.
type MemberOrder func(a, b uint16) int

// DefaultMemberOrder orders members by their numeric id.
func DefaultMemberOrder(a, b uint16) int { return cmp.Compare(a, b) }

// rolloverWindow is the distance past which two 32-bit entry versions are
// assumed to have wrapped.
const rolloverWindow = 0x10000

// CheckConflict decides whether an update carrying tag may be applied over
// the stamp. It returns nil to apply, ErrConcurrentModification when the
// entry already holds a newer change, and ErrInvalidDelta when deltaCheck is
// set and the tag is not the direct successor of the stamp.
func (s VersionStamp) CheckConflict(tag *VersionTag, deltaCheck bool, order MemberOrder) error {
	if s.Empty() || tag.Empty() {
		return nil
	}
	if order == nil {
		order = DefaultMemberOrder
	}

	stampVersion := int64(s.EntryVersion)
	tagVersion := int64(tag.EntryVersion)
	if stampVersion != 0 {
		diff := tagVersion - stampVersion
		if diff > rolloverWindow || diff < -rolloverWindow {
			if diff < 0 {
				tagVersion += 1 << 32
			} else {
				stampVersion += 1 << 32
			}
		}
	}

	if deltaCheck {
		if tagVersion != stampVersion+1 {
			return fmt.Errorf("%w: tag version %d does not follow stamp %d", ErrInvalidDelta, tagVersion, stampVersion)
		}
		if tag.PreviousMember != s.Member {
			return fmt.Errorf("%w: delta based on member %d, entry last changed by %d", ErrInvalidDelta, tag.PreviousMember, s.Member)
		}
	}

	switch {
	case stampVersion == 0 || stampVersion < tagVersion:
		return nil
	case stampVersion > tagVersion:
		return ErrConcurrentModification
	}
	if order(s.Member, tag.Member) > 0 {
		return ErrConcurrentModification
	}
	return nil
}
