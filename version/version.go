// Package version holds build-time identity for the tunnel client binary.
package version

// ProductName is the client's name, used as the CLI's root command name.
const ProductName = "nrgo-tun-client"

// Version is overridden at build time via -ldflags "-X ...=...".
var Version = "dev"

// Commit is overridden at build time via -ldflags.
var Commit = "none"
