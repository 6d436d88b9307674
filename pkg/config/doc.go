/*
Package config loads and validates conductor configuration.

Configuration comes from three layers, later layers winning: built-in
defaults, a YAML file, and FERRO_* environment variables. The resulting
Config struct is handed to components at construction so retry bounds
and step override tables stay deterministic inputs in tests.

Step priority overrides use the "interface.step:priority" form; a
priority of 0 removes the step from every resolved plan.
*/
package config
