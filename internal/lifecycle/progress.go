package lifecycle

import "github.com/nathanielvictory/VirtualConsultantTwo/internal/types"

var _ ProgressCallback = (*Scope)(nil)

// ResetProgressTotal sets the number of sub-steps and reports 0%, which is
// sent as 1%.
func (s *Scope) ResetProgressTotal(total int) {
	if total <= 0 {
		total = 1
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.total = total
	s.progress = 0
	s.mu.Unlock()

	s.reportProgress(0)
}

// IncrementProgress marks one more sub-step done. Both progress calls are
// no-ops once the scope is closed.
func (s *Scope) IncrementProgress() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.progress++
	percent := s.progress * 100 / s.total
	s.mu.Unlock()

	s.reportProgress(percent)
}

// ClampProgress maps a percentage into [1,99]. 0 would read as "not
// started" and 100 as "done" on the control plane.
func ClampProgress(percent int) int {
	if percent <= 0 {
		return 1
	}
	if percent >= 100 {
		return 99
	}
	return percent
}

// Progress reports are best effort: a failed report is logged and the task
// carries on.
func (s *Scope) reportProgress(percent int) {
	percent = ClampProgress(percent)
	err := s.cp.PatchTask(s.ctx, s.taskID, types.TaskUpdate{Progress: &percent})
	if err != nil {
		s.logger.Warnw("failed to report progress", "progress", percent, "error", err)
	}
}
