// Package version records the release identity stamped into logs and
// derivative provenance records.
package version

// Version is the release of the ba-timeseries-gradients tools.
const Version = "0.4.0"

// CodeURL is the canonical source repository.
const CodeURL = "https://github.com/cmi-dair/ba_timeseries_gradients"
