// Package executors holds reference engine.Executor adapters.
//
// Subpackages:
//
//   - simulated: an in-process eventually consistent cloud, used by the
//     demo command and tests.
//   - rest: a generic JSON over HTTP adapter whose response fields are
//     located with gjson paths.
//
// Register builds a registry from configuration.
package executors
