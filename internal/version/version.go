// Package version records the beaverdb library version written into the
// __metadata__ dict on open, following the same dedicated-version-package
// convention a CLI build would use.
package version

// String is the library version written to __metadata__.version at Open and
// compared on reopen to detect version skew.
const String = "0.1.0"
