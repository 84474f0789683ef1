package version

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Package returns the overall, canonical project import path under
// which the package was built.
func Package() string {
	return mainpkg
}

// Version returns returns the module version the running binary was
// built from.
func Version() string {
	return version
}

// Revision returns the VCS (e.g. git) revision being used to build
// the program at linking time.
func Revision() string {
	return revision
}

// UserAgent is the User-Agent header value sent to registries.
func UserAgent() string {
	return "twopence/" + strings.TrimSuffix(version, "+unknown")
}

// FprintVersion outputs the version string to the writer, in the following
// format, followed by a newline:
//
//	<cmd> <project> <version> [<revision>]
func FprintVersion(w io.Writer) {
	if revision != "" {
		fmt.Fprintln(w, os.Args[0], Package(), Version(), revision)
		return
	}
	fmt.Fprintln(w, os.Args[0], Package(), Version())
}

// PrintVersion outputs the version information, from Fprint, to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
