// Package catalog resolves client-supplied asset identifiers to files in the
// asset directory.
//
// Identifiers and file names are compared by normalized key: the name part
// is lower-cased and stripped to [a-z0-9], the extension is lower-cased, so
// "Hampton-Court_Green.JPG" and "hampton_court_green.jpg" are the same key.
// The directory index is built lazily, replaced wholesale on rebuild and
// rescanned at most once per MinRescan on lookup misses. Successful lookups
// are remembered per raw identifier and re-verified with one stat on every
// hit, so a deleted file is never served from the cache.
package catalog
