// Package procedure defines backend-registered remote procedures, the
// registry that resolves them by name, and the error shapes a failed call is
// reported with.
package procedure
