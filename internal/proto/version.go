package proto

import (
	"strconv"

	"github.com/blang/semver/v4"
)

// Version identifies a wire protocol release. Real protocol versions and
// handshake layouts share this type but are never compared with each other.
type Version int32

// OnOrAfter reports whether v is the same as or newer than other.
func (v Version) OnOrAfter(other Version) bool {
	return v >= other
}

// Before reports whether v is older than other.
func (v Version) Before(other Version) bool {
	return v < other
}

func (v Version) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// ReleaseVersion maps v to a release identifier on a best-effort basis. It is
// used for peers whose handshake layout carries no release identifier.
// Versions numbered after a release (major*1000000 + minor*10000 + patch*100 +
// 99) map back to that release; anything else is reported as the bare id.
func (v Version) ReleaseVersion() string {
	if v >= 1_000_000 && v%100 == 99 {
		id := uint64(v)
		sv := semver.Version{
			Major: id / 1_000_000,
			Minor: id / 10_000 % 100,
			Patch: id / 100 % 100,
		}
		return sv.String()
	}
	return v.String()
}

// MinVersion returns the older of a and b.
func MinVersion(a, b Version) Version {
	if a.Before(b) {
		return a
	}
	return b
}
