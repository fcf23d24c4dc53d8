// Package inventory defines the records kept by the car ledger: catalog
// models, cars on the lot and the sales that move them off it.
//
// The types here are plain values. Persistence, indexing and the rules that
// tie the three streams together live in the service package.
package inventory
