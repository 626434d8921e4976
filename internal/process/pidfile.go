package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDMeta is the JSON line that follows the PID in a pidfile. CreateTime lets
// a later reader tell our backend apart from an unrelated process that reused
// the PID.
type PIDMeta struct {
	RunID      string `json:"run_id,omitempty"`
	Executable string `json:"executable,omitempty"`
	CreateTime int64  `json:"create_time_ms,omitempty"`
}

// WritePIDFile records the running process at path: the PID on the first
// line, then PIDMeta as JSON.
func (r *Process) WritePIDFile(path string) error {
	st := r.Snapshot()
	if st.PID == 0 {
		return errors.New("process not started")
	}
	meta := PIDMeta{RunID: st.RunID, Executable: r.spec.Executable, CreateTime: createTime(st.PID)}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data := strconv.Itoa(st.PID) + "\n" + string(b) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a pidfile written by WritePIDFile. Files holding only a
// PID yield a nil meta.
func ReadPIDFile(path string) (int, *PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var meta PIDMeta
	if err := json.Unmarshal([]byte(rest), &meta); err != nil {
		// Keep the PID even if meta cannot be parsed
		return pid, nil, nil
	}
	return pid, &meta, nil
}

// ReapOrphan kills a backend left behind by a previous crashed run of the
// shell. It only acts when the pidfile's create time still matches the live
// process. The pidfile is removed in every case. It reports whether a process
// was killed.
func ReapOrphan(ctx context.Context, path string, log *slog.Logger) (bool, error) {
	if log == nil {
		log = slog.Default()
	}
	pid, meta, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	defer func() { _ = os.Remove(path) }()
	if err != nil {
		log.Warn("discarding unreadable pidfile", "path", path, "error", err)
		return false, nil
	}
	if pid <= 0 || pid == os.Getpid() {
		return false, nil
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, nil // gone
	}
	if meta == nil || meta.CreateTime == 0 {
		log.Warn("pidfile has no create time, leaving pid alone", "pid", pid)
		return false, nil
	}
	ct, err := p.CreateTimeWithContext(ctx)
	if err != nil || ct != meta.CreateTime {
		log.Debug("pid reused by another process", "pid", pid)
		return false, nil
	}
	// The backend leads its own session, so the group kill also takes any
	// children it left behind.
	if err := killProcess(pid, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if err := KillPID(ctx, pid); err != nil {
			return false, fmt.Errorf("reap orphan pid %d: %w", pid, err)
		}
	}
	log.Warn("killed orphaned backend from a previous run", "pid", pid, "run_id", meta.RunID)
	return true, nil
}

// KillPID force-kills pid. A process that no longer exists is not an error.
func KillPID(ctx context.Context, pid int) error {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if err := p.KillWithContext(ctx); err != nil {
		if ok, _ := p.IsRunningWithContext(ctx); !ok {
			return nil
		}
		return err
	}
	return nil
}

// createTime returns the process creation time in Unix milliseconds, or 0.
func createTime(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ms
}
