package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ResultKind string

const (
	ResultDistance ResultKind = "distance"
	ResultError    ResultKind = "error"
)

// AnalysisResult is what the viewer reports back for a session: either a DTW
// distance or an error message.
type AnalysisResult struct {
	Kind    ResultKind `json:"kind"`
	Value   float64    `json:"value,omitempty"`
	Message string     `json:"message,omitempty"`
}

// MarshalJSON writes value for distances, zero included, and message for
// errors.
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	if r.Kind == ResultDistance {
		return json.Marshal(struct {
			Kind  ResultKind `json:"kind"`
			Value float64    `json:"value"`
		}{r.Kind, r.Value})
	}
	return json.Marshal(struct {
		Kind    ResultKind `json:"kind"`
		Message string     `json:"message"`
	}{r.Kind, r.Message})
}

func DistanceResult(value float64) AnalysisResult {
	return AnalysisResult{Kind: ResultDistance, Value: value}
}

func ErrorResult(message string) AnalysisResult {
	return AnalysisResult{Kind: ResultError, Message: message}
}

// Keypoint is one landmark of a pose frame in normalized image coordinates.
type Keypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

type PoseFrame []Keypoint

// ReferenceSequence is the professional baseline a stroke is compared to.
type ReferenceSequence []PoseFrame

// ResultRecord is a journaled result.
type ResultRecord struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	SourceURI string     `json:"source_uri"`
	Kind      ResultKind `json:"kind"`
	Distance  *float64   `json:"distance,omitempty"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func NewResultRecord(sessionID, sourceURI string, result AnalysisResult) *ResultRecord {
	rec := &ResultRecord{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SourceURI: sourceURI,
		Kind:      result.Kind,
		Message:   result.Message,
		CreatedAt: time.Now().UTC(),
	}
	if result.Kind == ResultDistance {
		d := result.Value
		rec.Distance = &d
	}
	return rec
}

func (r *ResultRecord) Result() AnalysisResult {
	if r.Kind == ResultDistance && r.Distance != nil {
		return AnalysisResult{Kind: ResultDistance, Value: *r.Distance, Message: r.Message}
	}
	return AnalysisResult{Kind: r.Kind, Message: r.Message}
}
