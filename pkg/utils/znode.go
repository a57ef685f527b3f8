package utils

import "net/url"

// EncodeTaskNodeName turns a WAL log file path into the name of its task
// node under the coordination store's splitlog parent, per spec.md §6:
// "name is a deterministic encoding of the log file path (URL-style escaping
// of directory separators)". QueryEscape already turns "/" into "%2F", which
// is exactly the property we need: the result contains no "/" so it can be
// a single path segment under the parent znode.
func EncodeTaskNodeName(logPath string) string {
	return url.QueryEscape(logPath)
}

// DecodeTaskNodeName reverses EncodeTaskNodeName. An error here means the
// coordination store contains a child that was not produced by this
// encoding (e.g. a rescan beacon, which callers should filter out with
// IsRescanNode before decoding).
func DecodeTaskNodeName(nodeName string) (string, error) {
	return url.QueryUnescape(nodeName)
}
