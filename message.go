package main

import (
	"fmt"

	"github.com/manuroe/gagne-ton-papa/pieces"
	"github.com/manuroe/gagne-ton-papa/session"
)

const (
	MsgCameraUnavailable = "Unable to access the camera. Check that a camera is connected and that access is allowed, then go back and try again."

	MsgModelUnavailable = "The piece detection model could not be loaded. Go back and try again later."

	MsgSolverFailed = "The selected pieces could not be sent to the solver. Go back and try again."

	MsgNoPieces = "No pieces detected. Place the pieces flat in front of the camera."

	MsgNothingConfirmed = "Select at least one piece before confirming."
)

// terminalMessage is the user-facing text for a session error kind.
func terminalMessage(kind string) string {
	switch kind {
	case session.KindCameraUnavailable:
		return MsgCameraUnavailable
	case session.KindModelUnavailable:
		return MsgModelUnavailable
	case session.KindSolver:
		return MsgSolverFailed
	}
	return ""
}

func detectionMessage(count int) string {
	switch {
	case count == 0:
		return MsgNoPieces
	case count == 1:
		return "1 piece detected"
	default:
		return fmt.Sprintf("%d pieces detected", count)
	}
}

// selectionMessage summarizes a confirmed set for the confirm button.
func selectionMessage(ids []int) string {
	if len(ids) == 0 {
		return MsgNothingConfirmed
	}
	selected := fmt.Sprintf("%d pieces selected", len(ids))
	if len(ids) == 1 {
		selected = "1 piece selected"
	}
	missing := pieces.MissingCells(ids)
	if missing == 0 {
		return selected + ", ready to solve"
	}
	return fmt.Sprintf("%s, %d cells short of a full board", selected, missing)
}
