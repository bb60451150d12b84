package kephaslink

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Version is a backend release number. Versions compare numerically per
// component, so 3.10.0 sorts after 3.7.0.
type Version struct {
	Major int
	Minor int
	Patch int
}

var (
	// versionV3 is the first release that serves the /v3 routes.
	versionV3 = Version{Major: 3, Minor: 7}
	// versionV4 is the first release that serves the /v4 routes.
	versionV4 = Version{Major: 4}
)

// ParseVersion parses a dotted backend version such as "4.0.5",
// "3.7.11" or "4.1.0-SNAPSHOT". Pre-release and build suffixes are ignored.
// Missing components default to zero.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Version{}, fmt.Errorf("%s: empty version", ErrUnsupportedVersion)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("%s: %q", ErrUnsupportedVersion, s)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%s: %q", ErrUnsupportedVersion, s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0 or +1 when v is lower than, equal to or higher than o.
func (v Version) Compare(o Version) int {
	return cmp.Or(
		cmp.Compare(v.Major, o.Major),
		cmp.Compare(v.Minor, o.Minor),
		cmp.Compare(v.Patch, o.Patch),
	)
}

// RoutePrefix is the path prefix of the WebSocket and REST routes:
// none below 3.7, "/v3" for 3.7 up to 4.0, "/v4" from 4.0.
func (v Version) RoutePrefix() string {
	switch {
	case v.Compare(versionV4) >= 0:
		return "/v4"
	case v.Compare(versionV3) >= 0:
		return "/v3"
	}
	return ""
}

// Legacy reports whether player commands must travel as WebSocket ops
// because the backend has no session REST routes.
func (v Version) Legacy() bool {
	return v.Compare(versionV3) < 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
