// Package pipeline hosts a DataSource for one session.
//
// Controller enforces the lifecycle, validates read buffers before the source
// sees them, caches catalogs and clamps progress. Registry composes several
// sources behind one DataSource and resolves delegated reads between them.
package pipeline
