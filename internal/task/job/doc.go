// Package job defines what the manager executes.
//
// A task is referenced either directly (a Go function) or by name (a path). Named
// references are resolved lazily, at execution time, through a Resolver:
//   - registered functions (Registry.Register)
//   - executable files on disk, run as a child process (CommandRunner)
package job
