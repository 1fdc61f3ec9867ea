// Package modifier holds the delete and update overlays applied on top of
// immutable segments.
//
// A Layer collects the overlays produced while one segment is building; it
// is dumped as deletionmap_<target> and patch_<target> files into that
// segment's directory. A State is the immutable, committed union of all
// layers visible to readers. States are copy-on-write.
package modifier
