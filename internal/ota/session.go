package ota

import (
	"time"

	"github.com/chaz8081/winkctl/internal/state"
)

// Stage is the step of the install sequence a session is in.
type Stage string

const (
	StagePending     Stage = ""
	StageDownloading Stage = "downloading"
	StageCredential  Stage = "credential"
	StageSettling    Stage = "settling"
	StageJoining     Stage = "joining"
	StageUploading   Stage = "uploading"
	StageTeardown    Stage = "teardown"
	StageDone        Stage = "done"
)

var stageStatus = map[Stage]string{
	StageDownloading: "Downloading Wink Module firmware...",
	StageCredential:  "Connecting to Wink Module update server...",
	StageSettling:    "Connecting to Wink Module update server...",
	StageJoining:     "Connecting to Wink Module update server...",
	StageUploading:   "Wink Module update in progress...",
	StageTeardown:    "Finishing Wink Module update...",
	StageDone:        "Wink Module update complete.",
}

// Status is the user-facing label for the stage.
func (s Stage) Status() string {
	return stageStatus[s]
}

// DeclineNotice is shown for the dismissal window after "Not now".
const DeclineNotice = "Consider installing the latest Wink Mod firmware to stay up to date with bug fixes."

// FailedStatus labels a session that ended in error.
const FailedStatus = "Wink Module update failed."

// Session is one offer-to-outcome update attempt.
type Session struct {
	ID          string
	DeviceID    string
	Installed   string
	Available   string
	Description string

	Stage         Stage
	Progress      int // percent of the current stage
	WifiConnected bool
	Err           error

	OfferedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// view renders the session for the state store.
func (s *Session) view(phase state.UpdatePhase) state.Update {
	u := state.Update{Phase: phase}
	if s == nil {
		return u
	}
	u.SessionID = s.ID
	u.Stage = string(s.Stage)
	u.Status = s.Stage.Status()
	u.Progress = s.Progress
	u.WifiConnected = s.WifiConnected
	if s.Err != nil {
		u.Error = s.Err.Error()
		u.Status = FailedStatus
	}
	if phase == state.UpdateDenied {
		u.Notice = DeclineNotice
	}
	return u
}
