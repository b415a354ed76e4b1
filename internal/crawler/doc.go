// Package crawler turns a backup selection into a flat list of file
// descriptors.
//
// Crawl expands folders breadth first on the shared crawl pool, one task per
// folder, and is used by sequential runs that map the whole tree before
// downloading. Walk is a depth-first, single-goroutine variant that hands each
// file to a callback as soon as it is found, used when downloads run while the
// tree is still being walked.
//
// Both variants resolve shortcuts to their targets, skip trashed items, apply
// the run's filter, report each remote file once and visit each folder once.
package crawler
