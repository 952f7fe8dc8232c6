// Package platformx contains platform specific code
package platformx

// WarnIfNotFullySupported will emit a warning if the platform lacks
// features the measurement relies on.
func WarnIfNotFullySupported() {
	maybeEmitWarning()
}
