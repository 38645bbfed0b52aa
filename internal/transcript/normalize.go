package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// FallbackSpeaker labels segments whose raw entry carries no speaker.
const FallbackSpeaker = "Speaker"

// Speaker roles inferred during normalization.
const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

var ErrNoSegments = errors.New("transcript: document contains no usable segments")

// Segment is one normalized speaker turn, offsets in integer milliseconds.
type Segment struct {
	Speaker string
	Role    string
	StartMS int64
	EndMS   int64
	Text    string
}

// Document is the result of normalizing one raw provider transcript.
type Document struct {
	Segments     []Segment
	Participants []string
}

// rawSegment tolerates the provider's historical field variants. Offsets come
// either as seconds-as-float or milliseconds-as-integer.
type rawSegment struct {
	Text    string      `json:"text"`
	Speaker string      `json:"speaker"`
	Name    string      `json:"speaker_name"`
	Role    string      `json:"role"`
	Start   json.Number `json:"start"`
	End     json.Number `json:"end"`
	StartMS *int64      `json:"start_ms"`
	EndMS   *int64      `json:"end_ms"`
	IsHost  bool        `json:"is_host"`
}

// Normalize parses a raw transcript document into an ordered segment list and
// a deduplicated participant list. Two historical shapes are accepted: a
// top-level array, or an object wrapping a "segments" array. Entries whose
// text is empty after trimming are dropped.
func Normalize(raw []byte) (Document, error) {
	entries, err := locateSegments(raw)
	if err != nil {
		return Document{}, err
	}

	var doc Document
	seen := make(map[string]bool)
	for _, entry := range entries {
		text := strings.TrimSpace(entry.Text)
		if text == "" {
			continue
		}

		speaker := strings.TrimSpace(entry.Speaker)
		if speaker == "" {
			speaker = strings.TrimSpace(entry.Name)
		}
		if speaker == "" {
			speaker = FallbackSpeaker
		}

		role := RoleParticipant
		if entry.Role != "" {
			role = entry.Role
		} else if entry.IsHost {
			role = RoleHost
		}

		start, err := offsetMS(entry.Start, entry.StartMS)
		if err != nil {
			return Document{}, fmt.Errorf("segment %d: %w", len(doc.Segments), err)
		}
		end, err := offsetMS(entry.End, entry.EndMS)
		if err != nil {
			return Document{}, fmt.Errorf("segment %d: %w", len(doc.Segments), err)
		}

		doc.Segments = append(doc.Segments, Segment{
			Speaker: speaker,
			Role:    role,
			StartMS: start,
			EndMS:   end,
			Text:    text,
		})
		if !seen[speaker] {
			seen[speaker] = true
			doc.Participants = append(doc.Participants, speaker)
		}
	}

	if len(doc.Segments) == 0 {
		return Document{}, ErrNoSegments
	}
	return doc, nil
}

func locateSegments(raw []byte) ([]rawSegment, error) {
	var list []rawSegment
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Segments []rawSegment `json:"segments"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("transcript: unrecognized document shape: %w", err)
	}
	if wrapped.Segments == nil {
		return nil, ErrNoSegments
	}
	return wrapped.Segments, nil
}

// offsetMS normalizes one offset to integer milliseconds. An explicit *_ms
// field wins; otherwise a fractional number is seconds, an integer is already
// milliseconds.
func offsetMS(n json.Number, explicit *int64) (int64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	s := n.String()
	if s == "" {
		return 0, nil
	}
	if strings.ContainsAny(s, ".eE") {
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("transcript: bad offset %q: %w", s, err)
		}
		return int64(math.Round(f * 1000)), nil
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("transcript: bad offset %q: %w", s, err)
	}
	return i, nil
}
