package ledger

import (
	"fmt"
	"net/http"

	"fuelledger/internal/core/apperror"
)

// LinkState is the lifecycle of the link between a document and its entry.
type LinkState string

const (
	LinkUnlinked LinkState = "unlinked"
	LinkLinked   LinkState = "linked"
	LinkDeleted  LinkState = "deleted"
)

// LinkEvent is a document lifecycle event.
type LinkEvent string

const (
	EventPublish   LinkEvent = "publish"
	EventEdit      LinkEvent = "edit"
	EventDelete    LinkEvent = "delete"
	EventRestore   LinkEvent = "restore"
	EventUnpublish LinkEvent = "unpublish"
)

var linkTransitions = map[LinkState]map[LinkEvent]LinkState{
	LinkUnlinked: {EventPublish: LinkLinked},
	LinkLinked:   {EventEdit: LinkLinked, EventDelete: LinkDeleted},
	LinkDeleted:  {EventRestore: LinkLinked},
}

// Next returns the state after ev or an error if ev is not allowed in s.
// A published document can never return to draft.
func (s LinkState) Next(ev LinkEvent) (LinkState, error) {
	if next, ok := linkTransitions[s][ev]; ok {
		return next, nil
	}
	return s, &apperror.AppError{
		Code:       apperror.CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot %s a %s entry", ev, s),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"state": string(s), "event": string(ev)},
	}
}

// LinkStateOf derives the link state of a stored entry (nil means no entry).
func LinkStateOf(e *Entry) LinkState {
	switch {
	case e == nil:
		return LinkUnlinked
	case e.IsActive():
		return LinkLinked
	default:
		return LinkDeleted
	}
}
