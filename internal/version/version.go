// ABOUTME: Build identity reported in help output, logs and the target handshake
// ABOUTME: Version is overridden at link time with -ldflags "-X ...version.Version=..."
package version

// Version is the release version
var Version = "0.3.0"

const (
	// Product is announced to rendering targets
	Product = "squeeze2diretta"
	// Manufacturer is announced alongside Product
	Manufacturer = "Squeeze2Diretta Project"
)

// String returns "product version"
func String() string {
	return Product + " " + Version
}
