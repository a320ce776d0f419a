// Package temporal produces intermediate fields and samples between
// ordered time slices.
//
// Responsibilities: pairwise alpha blending of fields and of raw sample
// sets (inner join on a rounded coordinate key), whole-sequence per-cell
// interpolation across N fields, and per-point linear time series.
//
// Inputs must already be in ascending timestamp order; nothing here
// reorders slices.
package temporal
