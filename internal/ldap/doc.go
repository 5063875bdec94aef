// Package ldap is the directory-facing core: per-cluster connection pools
// with bind and retry handling, schema-checked mutations, paged subtree
// search with resumable cursors, subschema caching, and health probing.
//
// All outcomes fold into a small result taxonomy; callers never handle raw
// LDAP result codes. Reads retry transient failures with capped backoff,
// writes never retry.
package ldap
