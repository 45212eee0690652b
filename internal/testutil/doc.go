// Package testutil provides shared helpers for integration tests: a
// thread-safe log buffer, a scripted provider client, and a temp-tree
// harness that writes pipeline and registry files and runs the app.
package testutil
