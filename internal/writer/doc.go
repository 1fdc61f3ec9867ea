// Package writer drives the build loop of a partition.
//
// The Writer appends documents to one building segment at a time, decides
// when the segment has to be dumped and hands sealed segments to a dump
// pipeline. A DumpItem owns everything a sealed segment needs to reach
// disk: the building segment, its operation log segment and the modifier
// layer collected while it was building. Completed dumps commit a new
// version and publish a new partition data snapshot.
//
// Segment directories are complete only once their completion marker is
// written, which always happens last.
package writer
