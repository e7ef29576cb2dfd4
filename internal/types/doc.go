// Package types defines the core data types shared by every part of the
// state history.
//
// Key types:
//   - Quark: A stable integer handle for one attribute path
//   - Value: A tagged state value (Null, Int, Long, Double, String)
//   - Interval: An immutable (quark, start, end, value) record
package types
