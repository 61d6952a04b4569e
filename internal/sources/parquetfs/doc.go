// Package parquetfs serves catalogs described by a source.toml next to
// parquet sample files, on local disk or in an S3 bucket.
//
// Each file holds rows of (ts int64 unix nanoseconds, value double). A row
// whose timestamp falls on a sample slot of the read window marks that slot
// valid; every other slot is written as invalid.
package parquetfs
