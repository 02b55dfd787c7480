// Package snapshot persists the phase-1 bucket store so a later process can
// skip the enumeration and go straight to matching.
//
// A snapshot is an npz archive. Besides the buckets it carries the j-type
// populations, the compatibility relation the store was built against and a
// meta.json document naming the grid size, the dataset version and the
// reflection convention. A resume refuses to continue when any of those
// disagree with the dataset loaded by the current process.
//
// Writes are atomic: the archive is written to a temp file in the target
// directory, synced and renamed into place. A Controller can additionally
// mirror finished snapshots to a blobstore.Store and fetch them back when
// the local copy is gone.
package snapshot
