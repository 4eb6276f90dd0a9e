package proctoring

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// UnclassifiedSignal is the generic event type recorded when a collaborator
// reports a tag the classifier does not know. The signal is kept rather than
// dropped so no audit evidence is ever lost.
const UnclassifiedSignal = "unclassified_signal"

// unclassifiedConfidence caps the confidence recorded for unknown tags.
const unclassifiedConfidence = 0.2

// signalProfile fixes the severity tier and category of one raw signal tag.
type signalProfile struct {
	Severity Severity
	Category Category
}

// signalTable is the total, static mapping from raw signal tags to profiles.
// Every known tag maps to exactly one severity; unknown tags fail with
// ErrUnknownSignal instead of silently defaulting.
var signalTable = map[string]signalProfile{
	"face_detection":  {SeverityLow, CategoryFace},
	"no_face":         {SeverityHigh, CategoryFace},
	"multiple_faces":  {SeverityCritical, CategoryFace},
	"gaze_away":       {SeverityMedium, CategoryFace},
	"voice_detection": {SeverityLow, CategoryVoice},
	"multiple_voices": {SeverityHigh, CategoryVoice},
	"noise_detected":  {SeverityLow, CategoryVoice},

	"tab_switch":               {SeverityHigh, CategoryBehavioral},
	"window_blur":              {SeverityMedium, CategoryBehavioral},
	"copy_attempt":             {SeverityHigh, CategoryBehavioral},
	"paste_attempt":            {SeverityHigh, CategoryBehavioral},
	"keystroke_pattern_change": {SeverityMedium, CategoryBehavioral},
	"mouse_pattern_change":     {SeverityMedium, CategoryBehavioral},
	"suspicious_behavior":      {SeverityMedium, CategoryBehavioral},
	"stress_alert":             {SeverityMedium, CategoryBehavioral},

	"phone_detected":  {SeverityCritical, CategoryEnvironment},
	"object_detected": {SeverityHigh, CategoryEnvironment},
	"person_entered":  {SeverityHigh, CategoryEnvironment},

	UnclassifiedSignal: {SeverityLow, CategoryBehavioral},
}

// KnownSignals returns the sorted list of raw signal tags the classifier
// accepts. Exposed for the ingestion schema and for operators.
func KnownSignals() []string {
	tags := make([]string, 0, len(signalTable))
	for tag := range signalTable {
		if tag == UnclassifiedSignal {
			continue
		}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Classify maps a raw client signal into a typed event. It is a pure
// function of its inputs; the caller supplies the timestamp source.
func Classify(attemptID, tag string, confidence float64, metadata json.RawMessage, at time.Time) (Event, error) {
	if confidence < 0 || confidence > 1 {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidConfidence, confidence)
	}

	profile, ok := signalTable[tag]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownSignal, tag)
	}

	return Event{
		AttemptID:   attemptID,
		EventType:   tag,
		Category:    profile.Category,
		Severity:    profile.Severity,
		Description: describe(tag),
		Confidence:  confidence,
		Metadata:    metadata,
		Timestamp:   at,
	}, nil
}

// ClassifyUnknown wraps an unmapped tag as a generic low-confidence event so
// the signal is recorded instead of dropped.
func ClassifyUnknown(attemptID, tag string, confidence float64, metadata json.RawMessage, at time.Time) Event {
	if confidence > unclassifiedConfidence || confidence < 0 {
		confidence = unclassifiedConfidence
	}
	meta, err := json.Marshal(struct {
		OriginalTag string          `json:"original_tag"`
		Reported    json.RawMessage `json:"reported_metadata,omitempty"`
	}{OriginalTag: tag, Reported: metadata})
	if err != nil {
		meta = nil
	}
	return Event{
		AttemptID:   attemptID,
		EventType:   UnclassifiedSignal,
		Category:    CategoryBehavioral,
		Severity:    SeverityLow,
		Description: fmt.Sprintf("unmapped signal tag %q", tag),
		Confidence:  confidence,
		Metadata:    meta,
		Timestamp:   at,
	}
}

func describe(tag string) string {
	switch tag {
	case "no_face":
		return "no face visible in camera frame"
	case "multiple_faces":
		return "more than one face visible in camera frame"
	case "tab_switch":
		return "browser tab switched away from exam"
	case "window_blur":
		return "exam window lost focus"
	case "phone_detected":
		return "phone-like object detected in frame"
	case "copy_attempt":
		return "copy to clipboard attempted"
	case "paste_attempt":
		return "paste from clipboard attempted"
	case "keystroke_pattern_change":
		return "typing rhythm deviates from session baseline"
	case "mouse_pattern_change":
		return "pointer movement deviates from session baseline"
	default:
		return tag
	}
}
