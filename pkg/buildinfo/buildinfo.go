package buildinfo

// Version holds the daemon's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X github.com/wardenfs/snapwarden/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the daemon used for logging and lock files.
var Name = "snapwarden"
