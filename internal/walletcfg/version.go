package walletcfg

// appVersion is set via -ldflags "-X .../walletcfg.appVersion=..." in
// release builds; a plain semver string otherwise.
var appVersion = "0.1.0-dev"

// Version returns the daemon's reported version string.
func Version() string {
	return appVersion
}
