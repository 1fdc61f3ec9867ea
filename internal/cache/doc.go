// Package cache provides the block cache that sits in front of segment
// files. Its memory is charged to a resource.BlockQuota so that it counts
// as "resource memory" in dump and reopen admission decisions.
package cache
