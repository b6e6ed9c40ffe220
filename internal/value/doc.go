// Package value provides the property value types shared by entities,
// filters, stores and projections.
//
// This package imports nothing internal. Values form a closed set
// (Null, String, Int, Float, Bool, Array) with a total order defined by
// Compare, so filters and orderings never need reflection.
package value
