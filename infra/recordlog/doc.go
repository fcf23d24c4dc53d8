// Package recordlog implements an append-only, line-delimited record log.
//
// Every record occupies one line. The byte offset where a line starts is the
// record's address; offsets handed out by Append stay valid until the log is
// compacted.
package recordlog
