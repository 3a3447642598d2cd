// Package assets bundles the analysis page and the reference sequence, and
// stages the page into private storage where the viewer can load it.
package assets

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/kdimtricp/raqa/internal/models"
)

//go:embed web/stroke-analysis.html
//go:embed web/reference_sequence.json
var bundled embed.FS

// Bundle is the embedded asset tree with the web/ prefix stripped.
var Bundle fs.FS

const (
	PageName      = "stroke-analysis.html"
	ReferenceName = "reference_sequence.json"

	// StagedPageName is the fixed file name the page is written to.
	StagedPageName = "mediapipe-analysis.html"
)

var ErrAssetUnavailable = errors.New("analysis page unavailable")

func init() {
	var err error
	Bundle, err = fs.Sub(bundled, "web")
	if err != nil {
		panic("failed to create asset sub filesystem: " + err.Error())
	}
}

var (
	referenceOnce sync.Once
	reference     models.ReferenceSequence
	referenceErr  error
)

// LoadReference decodes the bundled reference sequence once and returns the
// cached value on later calls. Callers must not modify it.
func LoadReference() (models.ReferenceSequence, error) {
	referenceOnce.Do(func() {
		data, err := fs.ReadFile(Bundle, ReferenceName)
		if err != nil {
			referenceErr = fmt.Errorf("read reference sequence: %w", err)
			return
		}
		reference, referenceErr = ParseReference(data)
	})
	return reference, referenceErr
}

func ParseReference(data []byte) (models.ReferenceSequence, error) {
	var seq models.ReferenceSequence
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, fmt.Errorf("decode reference sequence: %w", err)
	}
	if len(seq) == 0 {
		return nil, errors.New("reference sequence is empty")
	}
	return seq, nil
}
