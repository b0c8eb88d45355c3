// backup/events.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mmp/bkmirror/restore"
)

type EventType int

const (
	Log EventType = iota
	Error
	CheckComplete
	FilesProcessed
	RestoreInfoReady
	RestoreComplete
	WorkerIdle
	WorkerRunning
)

var eventNames = [...]string{"Log", "Error", "CheckComplete", "FilesProcessed",
	"RestoreInfoReady", "RestoreComplete", "WorkerIdle", "WorkerRunning"}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event reports what the manager's worker is doing. Only the fields that
// make sense for the event's type are set.
type Event struct {
	Type    EventType
	Message string
	Err     error
	// Set for the Error that puts the manager into its halted state.
	Fatal bool
	// The command that CheckComplete, RestoreInfoReady and RestoreComplete
	// finish.
	ID    uuid.UUID
	Count int
	Info  *restore.Info
}

func (e Event) String() string {
	switch e.Type {
	case Log:
		return e.Message
	case Error:
		if e.Fatal {
			return fmt.Sprintf("fatal: %v", e.Err)
		}
		return fmt.Sprintf("error: %v", e.Err)
	case FilesProcessed:
		return fmt.Sprintf("%d files processed", e.Count)
	case RestoreInfoReady:
		return fmt.Sprintf("restore info ready (%s)\n%s", e.ID, e.Info)
	case CheckComplete, RestoreComplete:
		if e.Err != nil {
			return fmt.Sprintf("%s (%s): %v", e.Type, e.ID, e.Err)
		}
		return fmt.Sprintf("%s (%s)", e.Type, e.ID)
	default:
		return e.Type.String()
	}
}
