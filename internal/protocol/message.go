// Package protocol parses the text messages the analysis page posts back to
// the host.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kdimtricp/raqa/internal/models"
)

const (
	// ReadySentinel is posted once by the page when it has finished loading.
	ReadySentinel = "pageReady"

	TypeDTW = "dtw"

	ReferenceErrorPrefix = "Error in reference injection: "
	VideoErrorPrefix     = "Error in video injection: "
)

// ErrViewerReported wraps errors the page reported about itself.
var ErrViewerReported = errors.New("viewer reported error")

type Kind int

const (
	KindUnknown Kind = iota
	KindReady
	KindDistance
	KindViewerError
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindDistance:
		return "distance"
	case KindViewerError:
		return "viewer_error"
	default:
		return "unknown"
	}
}

type Message struct {
	Kind     Kind
	Distance float64
	Error    string
	Raw      string
}

type dtwPayload struct {
	Type     string   `json:"type"`
	Distance *float64 `json:"distance"`
	Error    string   `json:"error,omitempty"`
}

// Parse tries structured JSON first and falls back to the known literals.
// Anything unrecognised comes back as KindUnknown.
func Parse(text string) Message {
	msg := Message{Raw: text}

	var payload dtwPayload
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		if payload.Type != TypeDTW {
			return msg
		}
		msg.Kind = KindDistance
		msg.Error = payload.Error
		if payload.Distance != nil {
			msg.Distance = *payload.Distance
		} else if msg.Error == "" {
			msg.Error = "dtw result without distance"
		}
		return msg
	}

	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == ReadySentinel:
		msg.Kind = KindReady
	case strings.HasPrefix(trimmed, "Error"):
		msg.Kind = KindViewerError
		msg.Error = trimmed
	}
	return msg
}

// Result converts a distance message into an AnalysisResult. A dtw message
// that carries an error becomes an error result.
func (m Message) Result() (models.AnalysisResult, bool) {
	switch m.Kind {
	case KindDistance:
		if m.Error != "" {
			return models.ErrorResult(m.Error), true
		}
		return models.DistanceResult(m.Distance), true
	case KindViewerError:
		return models.ErrorResult(m.Error), true
	}
	return models.AnalysisResult{}, false
}

// Err returns the page's own error for a viewer error message, nil otherwise.
func (m Message) Err() error {
	if m.Kind != KindViewerError {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrViewerReported, m.Error)
}
