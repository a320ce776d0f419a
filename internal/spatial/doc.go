// Package spatial reconstructs a dense Field from scattered samples.
//
// Responsibilities: the Interpolator contract and its four backends
// (inverse-distance weighting, weighted kernel density, cubic radial
// basis functions, Gaussian-process regression), selection by method
// name, and the shared post-pass that rejects non-finite output and
// clamps every cell into the request's GlobalRange.
//
// Dependency rule: spatial depends on field and grid only. Backends hold
// no state between calls; every input arrives as an argument.
package spatial
