// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrLocked is reported when a lock file is already held.
const ErrLocked = ConstError("lock is held by another owner")

// LockFile marks exclusive ownership of a directory by the existence of a
// file recording the owner's process id. The file is removed on release.
// Locks of crashed processes are not released automatically and have to be
// removed manually after checking the recorded owner.
type LockFile struct {
	path     string
	mutex    sync.Mutex
	released bool
}

// CreateLockFile atomically creates the lock file at the given path. It fails
// with ErrLocked if the file already exists.
func CreateLockFile(path string) (*LockFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if errors.Is(err, os.ErrExist) {
		owner, _ := LockOwner(path)
		return nil, fmt.Errorf("%w: %s owned by process %d", ErrLocked, path, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	_, err = file.WriteString(strconv.Itoa(os.Getpid()))
	if err = errors.Join(err, file.Close()); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to record lock owner: %w", err), os.Remove(path))
	}
	return &LockFile{path: path}, nil
}

// LockOwner returns the process id recorded in the lock file at the given
// path.
func LockOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Valid checks whether the lock is still held.
func (l *LockFile) Valid() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return !l.released
}

// Release removes the lock file. A lock can only be released once.
func (l *LockFile) Release() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.released {
		return fmt.Errorf("lock %s already released", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	l.released = true
	return nil
}
