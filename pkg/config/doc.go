/*
Package config loads and validates the devloop daemon configuration.

The configuration is a single YAML document decoded with strict field
checking: unknown keys are a fatal startup error unless they live under the
experimental subtree. Defaults are applied before decoding so a partial file
only overrides what it names.
*/
package config
