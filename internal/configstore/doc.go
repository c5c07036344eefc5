// Package configstore loads the hitch daemon configuration from a TOML file in
// an XDG-compliant location. Missing files yield defaults; HITCH_* environment
// variables and command-line flags override file values in that order.
package configstore
