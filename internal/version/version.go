package version

import "fmt"

// Set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/telem/internal/version.VERSION=0.1.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String formats the version for display and logs.
func String() string {
	return fmt.Sprintf("%s (%s)", VERSION, Commit)
}
