// Package common provides the configuration and logging shared by all
// packages of the lock client.
//
// Key Components:
//
//   - Config: all options of a lock client (store address, lease time, pool
//     size, unlocked message prefix, replica acknowledgment policy). Use
//     DefaultConfig for the documented defaults and Validate before use.
//
//   - Logger: "LEVEL | package | message" lines on stderr, plugged into the
//     dragonboat logger facade. Every package obtains its logger with
//     logger.GetLogger(name); InitLoggers installs the stderr factory and sets
//     the level of the loggers in PackageLoggers at once.
package common
