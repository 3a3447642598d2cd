package models

import (
	"errors"
	"net/url"
	"strings"
)

var ErrAlreadyStaged = errors.New("video already staged")

// VideoReference tracks the video a session analyzes. StagedURI is set once
// the file is confirmed inside private storage and never changes afterwards.
type VideoReference struct {
	SourceURI string `json:"source_uri"`
	StagedURI string `json:"staged_uri,omitempty"`
}

func NewVideoReference(sourceURI string) *VideoReference {
	return &VideoReference{SourceURI: sourceURI}
}

func (v *VideoReference) Stage(uri string) error {
	if v.StagedURI != "" {
		return ErrAlreadyStaged
	}
	if uri == "" {
		return errors.New("empty staged uri")
	}
	v.StagedURI = uri
	return nil
}

func (v *VideoReference) Staged() bool {
	return v.StagedURI != ""
}

// LocalPath turns a file URI into a path for os calls, decoding escapes
// such as %20. Plain paths and URIs naming another host come back unchanged.
func LocalPath(uri string) string {
	if !strings.HasPrefix(strings.ToLower(uri), "file:") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return uri
	}
	if u.Host != "" && !strings.EqualFold(u.Host, "localhost") {
		return uri
	}
	return u.Path
}
