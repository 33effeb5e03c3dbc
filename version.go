package gablib

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the current library version.
//
// This version follows semantic versioning (https://semver.org/).
const Version = "0.2.0"

// APIVersion is the site version this library was written against. It is
// compared with the "meta.version" field of the bootstrap state.
const APIVersion = "4.0.0"

// APIVersionRange is the semver constraint of site versions known to work.
// The "-0" suffixes let prerelease and build-tagged versions match.
const APIVersionRange = ">=3.4.0-0, <5.0.0-0"

var supportedRange = func() *semver.Constraints {
	c, err := semver.NewConstraint(APIVersionRange)
	if err != nil {
		panic(err)
	}
	return c
}()

// CompatibilityStatus is the outcome of a version check.
type CompatibilityStatus int

const (
	// Unknown means the server version could not be parsed.
	Unknown CompatibilityStatus = iota
	// Compatible means the server version is inside APIVersionRange.
	Compatible
	// Incompatible means the server version is outside APIVersionRange.
	Incompatible
)

func (s CompatibilityStatus) String() string {
	switch s {
	case Compatible:
		return "compatible"
	case Incompatible:
		return "incompatible"
	default:
		return "unknown"
	}
}

// CompatibilityResult describes how a server version relates to this
// library.
type CompatibilityResult struct {
	Status           CompatibilityStatus
	ServerVersion    string
	SDKVersion       string
	TargetAPIVersion string
	SupportedRange   string
	Message          string
}

// IsCompatible reports whether the result is [Compatible].
func (r CompatibilityResult) IsCompatible() bool {
	return r.Status == Compatible
}

// CheckCompatibility compares a server version, as reported by
// [Session.ServerVersion], with [APIVersionRange].
func CheckCompatibility(serverVersion string) CompatibilityResult {
	result := CompatibilityResult{
		ServerVersion:    serverVersion,
		SDKVersion:       Version,
		TargetAPIVersion: APIVersion,
		SupportedRange:   APIVersionRange,
	}

	v, err := semver.NewVersion(serverVersion)
	if err != nil {
		result.Status = Unknown
		result.Message = fmt.Sprintf("cannot parse server version %q: %v", serverVersion, err)
		return result
	}

	if supportedRange.Check(v) {
		result.Status = Compatible
		result.Message = fmt.Sprintf("server version %s is compatible with gablib %s", serverVersion, Version)
		return result
	}

	result.Status = Incompatible
	result.Message = fmt.Sprintf("server version %s is not compatible with gablib %s (supported: %s)",
		serverVersion, Version, APIVersionRange)
	return result
}

// IsCompatible reports whether serverVersion is inside [APIVersionRange].
func IsCompatible(serverVersion string) bool {
	return CheckCompatibility(serverVersion).IsCompatible()
}

// MustBeCompatible panics unless serverVersion is compatible.
func MustBeCompatible(serverVersion string) {
	if result := CheckCompatibility(serverVersion); !result.IsCompatible() {
		panic("gablib: " + result.Message)
	}
}
