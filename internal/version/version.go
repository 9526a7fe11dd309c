// ABOUTME: Product name and version reported by the CLIs and the feed
// ABOUTME: Version is overridden at link time with -ldflags "-X"
package version

// Version is the release version; "dev" for local builds.
var Version = "dev"

// Product names the tool in logs, the feed hello and -version output.
const Product = "mdns-watch"

// String renders "mdns-watch dev".
func String() string {
	return Product + " " + Version
}
