// Package persistence writes files atomically through an fs.FileSystem.
//
// SaveToFile never leaves a partially written file under the target name: data
// goes to a uniquely named temp file in the same directory, which is flushed,
// synced and renamed over the target only after every write succeeded.
package persistence
