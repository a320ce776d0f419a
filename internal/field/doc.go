// Package field owns the core value types of the reconstruction pipeline.
//
// Responsibilities: scattered measurement samples, dense grids of
// interpolated values (Field), the shared colour scale of one request
// (GlobalRange), and the classified error taxonomy used by every stage.
//
// Dependency rule: field has no dependencies on other internal packages.
package field
