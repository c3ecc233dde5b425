// Package build contains build-related variables set at compile time.
//
// Importing it for side effects fills in github.com/prometheus/common/version,
// which backs the --version output of the command line tools:
//
//	go build -ldflags "-X github.com/grafana/elf2nso/pkg/build.Version=v0.1.0" ./cmd/elf2nso
package build

import (
	"github.com/prometheus/common/version"
)

var (
	Version   = "N/A"
	Revision  = "N/A"
	Branch    = "N/A"
	BuildUser = "N/A"
	BuildDate = "N/A"
)

func init() {
	version.Version = Version
	version.Revision = Revision
	version.Branch = Branch
	version.BuildUser = BuildUser
	version.BuildDate = BuildDate
}
