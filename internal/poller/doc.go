// Package poller periodically asks the collaboration server for a fresh
// room catalog, bounding how stale the cached catalog can get when the
// server does not push updates on its own.
package poller
