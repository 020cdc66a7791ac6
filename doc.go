// Package hogpipe implements the execution core of a customer data pipeline:
// it safely runs tenant-authored Hog functions and multi-step Hog flows
// against live event traffic while protecting the shared platform from
// runaway or failing tenant code.
//
// The root package defines the shared data model (invocations, functions,
// flows, results) and the interfaces through which the core talks to its
// collaborators. The subpackages implement the moving parts: execute runs
// single functions, flows sequences multi-action flows with suspend/resume,
// watcher tracks per-function health and auto-disables degraded functions,
// ratelimit throttles per-identity call volume, and filters decides whether
// a function applies to a given trigger.
package hogpipe
