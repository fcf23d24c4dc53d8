// Package service is the car ledger: it owns the record logs and offset
// indexes for models, cars and sales and implements every operation that
// reads or changes them.
//
// Changes never rewrite bytes in place. A changed car or sale is appended as
// a new version and its index entry is repointed; the bytes of the previous
// version stay in the log until compaction drops them. Changes that touch
// more than one index are staged in the commit journal first, so after a
// crash they are either fully applied on the next Open or not visible at all.
package service
