// Package extensibility owns the plugin contract a data source implements.
//
// Ownership boundary:
// - DataSource (full control) and SimpleDataSource (delegating) contracts
// - ReadRequest buffers and the typed SampleBuffer view
// - the error taxonomy shared with callers
//
// Lifecycle enforcement, buffer validation and caching live in package
// pipeline; this package only describes the contract.
package extensibility
