// Package secrets redacts credentials from worker diagnostics before they
// reach logs or the session directory.
//
// Detection is regexp-based: self-identifying token prefixes, private key
// blocks, credential assignments, and URL userinfo. Overlapping matches
// collapse into a single redaction marker.
package secrets
