// Package datamodel owns the catalog description types exchanged with a host.
//
// Ownership boundary:
// - numeric sample encodings and representations
// - resources, catalogs and their builders
// - catalog/resource path grammar and time window arithmetic
//
// Built values are frozen: accessors return copies and no method mutates a
// built Resource or ResourceCatalog, so they are safe to share between
// concurrent readers.
package datamodel
