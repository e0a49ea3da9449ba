// Package manifest loads and validates installation manifests.
//
// A manifest is a YAML document describing the modules to install on a
// host: their configuration, dependency declarations, and execution
// hints. The loader performs structural validation with validator tags
// and static checks (duplicate modules, unknown dependency references,
// cycles) before the manifest ever reaches the engine.
package manifest
