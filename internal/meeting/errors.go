package meeting

import "errors"

var (
	// errMeetingNotEligible is returned by manual controls when the
	// requested transition does not apply to the meeting's current state.
	errMeetingNotEligible = errors.New("meeting: not eligible for requested transition")
	// errMeetingNotActive is returned when a control requires a live
	// MeetingInstance but none is tracked for the given event ID.
	errMeetingNotActive = errors.New("meeting: no active instance for event")
)
