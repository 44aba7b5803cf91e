// Package version carries the build identity stamped at link time:
//
//	go build -ldflags "-X github.com/perfsentinel/perfsentinel/pkg/version.Version=v1.2.3 ..."
package version

import "runtime/debug"

// Build identity. The defaults identify an unstamped development build.
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the VCS revision the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// devVersion is the unstamped Version default.
const devVersion = "dev"

// InitBinaryVersion fills unstamped build vars from the module build info,
// so `go install` binaries still report their module version and VCS state.
// Linker-stamped values always win.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == devVersion && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == "none" {
				Commit = setting.Value
			}
		case "vcs.time":
			if Date == "unknown" {
				Date = setting.Value
			}
		}
	}
}
