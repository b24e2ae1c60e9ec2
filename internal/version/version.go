package version

// Version is overridden at build time via -ldflags "-X .../internal/version.Version=..."
var Version = "1.0.0"
