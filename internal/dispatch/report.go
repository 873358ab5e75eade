// SPDX-License-Identifier: MIT

package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/renameio/v2"
)

// Exit codes the CLI maps a run result to.
const (
	CodeSuccess     = 0
	CodeLeaseHeld   = 1
	CodeThrottled   = 2
	CodeHealthFail  = 3
	CodeInternalErr = 4
)

// Report summarises one dispatcher invocation.
type Report struct {
	Success    bool      `json:"success"`
	Code       int       `json:"code"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DueTargets int       `json:"due_targets"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Retried    int       `json:"retried"`
	LeaseOwner string    `json:"lease_owner,omitempty"`
	HeldBy     string    `json:"held_by,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
}

// write persists the report atomically so monitoring never reads a torn
// file. An empty path disables the report.
func (r *Report) write(path string) error {
	if path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(raw, '\n'), 0o644)
}
