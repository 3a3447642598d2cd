package storage

import (
	"errors"
	"io"
	"mime/multipart"
)

var (
	ErrSourceVideoMissing = errors.New("source video missing")
	ErrCopyFailure        = errors.New("video copy failed")
)

type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

type Storage interface {
	SaveFile(file multipart.File, info FileInfo) (string, error)
	OpenFile(path string) (io.ReadSeekCloser, error)
	DeleteFile(path string) error
	FilePath(name string) string
	Materialize(sourceURI string) (string, error)
	Dir() string
}
