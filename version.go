package pubsub

import (
	"fmt"
	"strconv"
	"strings"
)

const wildcardBuild = "*"

// DomainModelVersion is the schema version of an event payload.
//
// Versions are written "major.minor.build". The build component may be the
// wildcard "*", in which case the version accepts any build of the same
// major and minor. A two-part version ("1.2") is read as "1.2.*".
type DomainModelVersion struct {
	Major         int
	Minor         int
	Build         int
	WildcardBuild bool
}

// NewVersion returns a concrete version.
func NewVersion(major, minor, build int) DomainModelVersion {
	return DomainModelVersion{Major: major, Minor: minor, Build: build}
}

// NewWildcardVersion returns major.minor.*.
func NewWildcardVersion(major, minor int) DomainModelVersion {
	return DomainModelVersion{Major: major, Minor: minor, WildcardBuild: true}
}

// ParseVersion parses "1.2.3", "1.2.*" or "1.2".
func ParseVersion(s string) (DomainModelVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return DomainModelVersion{}, validationf("invalid domain model version %q", s)
	}

	var v DomainModelVersion
	var err error
	if v.Major, err = parseComponent(parts[0]); err != nil {
		return DomainModelVersion{}, validationf("invalid major in version %q: %v", s, err)
	}
	if v.Minor, err = parseComponent(parts[1]); err != nil {
		return DomainModelVersion{}, validationf("invalid minor in version %q: %v", s, err)
	}
	if len(parts) == 2 || parts[2] == wildcardBuild {
		v.WildcardBuild = true
		return v, nil
	}
	if v.Build, err = parseComponent(parts[2]); err != nil {
		return DomainModelVersion{}, validationf("invalid build in version %q: %v", s, err)
	}
	return v, nil
}

// MustParseVersion is ParseVersion that panics on error. Intended for
// package-level listener declarations.
func MustParseVersion(s string) DomainModelVersion {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func parseComponent(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative component %d", n)
	}
	return n, nil
}

// String renders the version, using "*" for a wildcard build.
func (v DomainModelVersion) String() string {
	if v.WildcardBuild {
		return v.StringWithWildcardBuild()
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// StringWithWildcardBuild renders the version with its build replaced by "*".
func (v DomainModelVersion) StringWithWildcardBuild() string {
	return fmt.Sprintf("%d.%d.%s", v.Major, v.Minor, wildcardBuild)
}

// Matches reports whether v and other are compatible: same major and minor,
// and either build is a wildcard or the builds are equal. Matches is symmetric.
func (v DomainModelVersion) Matches(other DomainModelVersion) bool {
	if v.Major != other.Major || v.Minor != other.Minor {
		return false
	}
	if v.WildcardBuild || other.WildcardBuild {
		return true
	}
	return v.Build == other.Build
}

// MarshalText implements encoding.TextMarshaler.
func (v DomainModelVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *DomainModelVersion) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
