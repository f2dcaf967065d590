// Package host provides in-process implementations of the facilities the
// capture device core registers with: the device registry, the node
// table, the media topology graph and the debug filesystem.
package host
