// Package lock provides the mutual exclusion used to run one reaper sweep at a time.
package lock
