package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/protocol"
)

// Scripts are arrow functions so they can be handed to the page's Eval as is.

// postJS is how injected code reports back; the page shim routes it to the
// host binding.
const postJS = `(window.ReactNativeWebView && window.ReactNativeWebView.postMessage)`

// DefaultChunkSize keeps each evaluated script well below CDP message limits.
const DefaultChunkSize = 4 << 20

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// VideoScripts returns the scripts that rebuild the video as a Blob inside the
// page and hand its object URL to window.handleVideoUri. All but the last
// script only buffer chunks.
func VideoScripts(encoded, mimeType string, chunkSize int) []string {
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	chunks := Chunks(encoded, chunkSize)
	scripts := make([]string, 0, len(chunks))

	for i, chunk := range chunks {
		var b strings.Builder
		b.WriteString("() => {\n")
		if i == 0 {
			b.WriteString("  window.__raqaVideoChunks = [];\n")
		}
		fmt.Fprintf(&b, "  window.__raqaVideoChunks.push(%s);\n", jsString(chunk))
		if i == len(chunks)-1 {
			fmt.Fprintf(&b, `  try {
    const parts = window.__raqaVideoChunks.map((c) => {
      const bin = atob(c);
      const out = new Uint8Array(bin.length);
      for (let j = 0; j < bin.length; j++) out[j] = bin.charCodeAt(j);
      return out;
    });
    window.__raqaVideoChunks = undefined;
    const blob = new Blob(parts, { type: %s });
    const url = URL.createObjectURL(blob);
    window.handleVideoUri(url);
  } catch (e) {
    const post = %s;
    if (post) window.ReactNativeWebView.postMessage(%s + (e && e.message ? e.message : String(e)));
  }
`, jsString(mimeType), postJS, jsString(protocol.VideoErrorPrefix))
		}
		b.WriteString("}")
		scripts = append(scripts, b.String())
	}
	return scripts
}

// VideoURLScript hands the page a URL it can stream from instead of an
// inline payload.
func VideoURLScript(url string) string {
	return fmt.Sprintf(`() => {
  try {
    window.handleVideoUri(%s);
  } catch (e) {
    const post = %s;
    if (post) window.ReactNativeWebView.postMessage(%s + (e && e.message ? e.message : String(e)));
  }
}`, jsString(url), postJS, jsString(protocol.VideoErrorPrefix))
}

// ReferenceScript assigns the reference sequence to window.referenceSequence.
// Assignment failures are posted back instead of thrown.
func ReferenceScript(seq models.ReferenceSequence) (string, error) {
	data, err := json.Marshal(seq)
	if err != nil {
		return "", fmt.Errorf("marshal reference sequence: %w", err)
	}
	return fmt.Sprintf(`() => {
  try {
    window.referenceSequence = JSON.parse(%s);
  } catch (e) {
    const post = %s;
    if (post) window.ReactNativeWebView.postMessage(%s + (e && e.message ? e.message : String(e)));
  }
}`, jsString(string(data)), postJS, jsString(protocol.ReferenceErrorPrefix)), nil
}
