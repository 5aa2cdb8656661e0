// Package model defines the data types shared by the local store, the sync
// engine and the deck logic.
//
// This package imports nothing internal. Every other internal package may
// import it.
//
// Key design constraints:
//   - Guids are compared in normalised form only (NFC, trimmed, lower-case).
//     Use NormalizeGUID at every boundary where a guid enters the system.
//   - List entries are always structured Marks once they leave a decoder.
//     The legacy bare-string representation is resolved in DecodeMarks and
//     never seen by consumers.
//   - Presence of a guid in a mark collection is the boolean state; there is
//     no "false" row.
package model
