// Package session owns plugin<->host session transport helpers.
//
// Ownership boundary:
// - hello/hello.ack control lines exchanged before framing starts
// - invoke/result/error/readData/progress frame codecs
// - sample payload compression and the wire error taxonomy
// - retry/backoff primitives
package session
