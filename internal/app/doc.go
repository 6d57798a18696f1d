// Package app wires application dependencies for the CLI.
//
// Config is read from config.yaml in the home directory over documented
// defaults. Open builds the store backend, the relay client and the engine
// from it, exposing them via App for commands to use.
package app
