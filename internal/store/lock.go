package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const lockFileName = ".tradedesk.lock"

var ErrInstanceLocked = errors.New("instance lock held")

// LockHeldError names the current holder of a state directory.
type LockHeldError struct {
	Path   string
	PID    int
	Owner  string
	Reason string
}

func (e *LockHeldError) Error() string {
	msg := "instance lock exists: " + e.Path
	if e.PID > 0 {
		msg += fmt.Sprintf(" pid=%d", e.PID)
	}
	if e.Owner != "" {
		msg += " owner=" + e.Owner
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *LockHeldError) Unwrap() error { return ErrInstanceLocked }

// InstanceLock keeps two servers from sharing one state directory.
type InstanceLock struct {
	path string
	pid  int
	file *os.File
}

type LockOptions struct {
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Owner           string
	Now             func() time.Time
}

type lockMeta struct {
	PID       int       `json:"pid"`
	Owner     string    `json:"owner,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// AcquireInstanceLock creates the lock file exclusively. With takeover on,
// a lock whose owner is gone (or, lacking a pid, is older than StaleAfter)
// is replaced.
func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, fmt.Errorf("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	path := filepath.Join(root, lockFileName)

	for attempt := 0; attempt < 3; attempt++ {
		lock, err := createLock(path, lockMeta{PID: os.Getpid(), Owner: opts.Owner, StartedAt: opts.Now().UTC()})
		if err == nil {
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		meta, readErr := readLockMeta(path)
		if errors.Is(readErr, os.ErrNotExist) {
			continue
		}
		if !opts.TakeoverEnabled {
			return nil, &LockHeldError{Path: path, PID: meta.PID, Owner: meta.Owner, Reason: "takeover_disabled"}
		}
		if readErr != nil {
			return nil, fmt.Errorf("instance lock exists: %s (stale check failed: %v)", path, readErr)
		}
		stale, reason := lockIsStale(meta, opts.Now().UTC(), opts.StaleAfter)
		if !stale {
			return nil, &LockHeldError{Path: path, PID: meta.PID, Owner: meta.Owner, Reason: reason}
		}
		log.Warn().
			Str("path", path).
			Int("previous_pid", meta.PID).
			Str("previous_owner", meta.Owner).
			Str("reason", reason).
			Msg("taking over stale instance lock")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, &LockHeldError{Path: path, Reason: "contended"}
}

func createLock(path string, meta lockMeta) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	err = json.NewEncoder(f).Encode(meta)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return &InstanceLock{path: path, pid: meta.PID, file: f}, nil
}

func readLockMeta(path string) (lockMeta, error) {
	var meta lockMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode lock metadata: %w", err)
	}
	return meta, nil
}

func lockIsStale(meta lockMeta, now time.Time, staleAfter time.Duration) (bool, string) {
	switch {
	case meta.PID > 0 && processAlive(meta.PID):
		return false, "owner_process_running"
	case meta.PID > 0:
		return true, "owner_process_not_running"
	case meta.StartedAt.IsZero():
		return false, "missing_lock_owner_info"
	case staleAfter > 0 && now.Sub(meta.StartedAt) >= staleAfter:
		return true, "lock_age_exceeded"
	}
	return false, "lock_not_stale"
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM: alive, but owned by another user.
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (l *InstanceLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release closes and removes the lock file, unless another process has
// since taken it over.
func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	path := l.path
	l.path = ""
	if meta, err := readLockMeta(path); err == nil && meta.PID != l.pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
