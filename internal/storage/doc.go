// Package storage persists schedule definitions.
//
// The whole set lives in one document ({"schedules": {...}, "last_id": N}).
// Every mutation is a read-modify-write under a single mutex; the file driver
// replaces the document with a temp file + fsync + rename.
package storage
