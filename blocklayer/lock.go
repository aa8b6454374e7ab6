package blocklayer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LockFile scopes an advisory acquisition of the container's coarse
// lock: shared for reads, exclusive for writes. It returns an unlock
// function that must be called (typically via defer) to release it.
//
// Nested shared acquisitions within the same container are no-ops; a
// shared-to-exclusive upgrade while already holding the shared lock is
// rejected with ErrWrongLockMode; nested exclusive acquisitions are
// no-ops. On release of the outermost exclusive acquisition, buffered
// writes are flushed and the file is fsynced before the OS lock is
// dropped and the locked-tokens set is cleared.
func (c *Container) LockFile(write bool) (unlock func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lockDepth > 0 {
		if !c.lockWrite && write {
			return nil, ErrWrongLockMode
		}
		c.lockDepth++
		return c.nestedUnlock, nil
	}

	flag := unix.LOCK_SH
	if write {
		flag = unix.LOCK_EX
	}
	if err := unix.Flock(int(c.file.Fd()), flag); err != nil {
		return nil, fmt.Errorf("blocklayer: flock: %w", err)
	}
	c.lockDepth = 1
	c.lockWrite = write
	return c.topUnlock, nil
}

func (c *Container) nestedUnlock() {
	c.mu.Lock()
	c.lockDepth--
	c.mu.Unlock()
}

func (c *Container) topUnlock() {
	c.mu.Lock()
	write := c.lockWrite
	c.mu.Unlock()

	if write {
		if err := c.flushWritesLocked(nil); err != nil {
			c.logger.WithError(err).WithField("container_id", c.id).Warn("blocklayer: flush on lock release failed")
		}
		if err := c.file.Sync(); err != nil {
			c.logger.WithError(err).WithField("container_id", c.id).Warn("blocklayer: fsync on lock release failed")
		}
	}
	if err := unix.Flock(int(c.file.Fd()), unix.LOCK_UN); err != nil {
		c.logger.WithError(err).WithField("container_id", c.id).Warn("blocklayer: flock release failed")
	}

	c.mu.Lock()
	c.lockDepth = 0
	c.lockWrite = false
	c.lockedTokens = make(map[Token]struct{})
	c.mu.Unlock()
}

// lockedLocked reports whether the container currently holds any lock
// (shared or exclusive). Caller must hold c.mu.
func (c *Container) lockedLocked() bool {
	return c.lockDepth > 0
}
