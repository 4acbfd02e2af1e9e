// ABOUTME: Build and product identification
// ABOUTME: Version is overridden at link time with -ldflags
package version

// Version is set with -ldflags "-X .../internal/version.Version=v1.2.3".
var Version = "0.1.0-dev"

const (
	// Product is announced in client/hello device info.
	Product = "resonate-clock"
	// Manufacturer is announced in client/hello device info.
	Manufacturer = "Resonate"
)

// String returns "product version".
func String() string {
	return Product + " " + Version
}
