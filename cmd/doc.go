// Package cmd implements the command-line interface of dLock. It wraps the
// lock manager library so shell scripts and operators can serialize work
// across machines.
//
// The package is organized into several subpackages:
//
//   - lock: Commands that run a program while holding a lock and inspect locks
//   - bench: Mutual exclusion soak test and throughput benchmark
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Configuration is read from flags, from environment variables with the DLOCK_
// prefix (e.g. DLOCK_HOST, DLOCK_LEASE_MS) and from .env / .env.local files.
//
// Examples:
//
//	dlock lock run backup -- ./backup.sh
//	dlock lock run --try cron-job -- ./job.sh   # exits with code 3 if busy
//	dlock lock ttl backup
//	dlock bench --workers 16 --rounds 100 --metrics
//
// See dlock -help for a list of all commands.
package cmd
