package prober

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func respWith(header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{Header: header}
}

func TestDetermineFilename_PrefersContentDisposition(t *testing.T) {
	u, _ := url.Parse("https://example.com/download?file=ignored.bin")
	h := http.Header{}
	h.Set("Content-Disposition", `attachment; filename="report.pdf"`)
	name := determineFilename(u, respWith(h))
	assert.Equal(t, "report.pdf", name)
}

func TestDetermineFilename_FallsBackToQueryParam(t *testing.T) {
	u, _ := url.Parse("https://example.com/fetch?filename=archive.tar.gz")
	name := determineFilename(u, respWith(nil))
	assert.Equal(t, "archive.tar.gz", name)
}

func TestDetermineFilename_FallsBackToFileQueryParam(t *testing.T) {
	u, _ := url.Parse("https://example.com/fetch?file=notes.txt")
	name := determineFilename(u, respWith(nil))
	assert.Equal(t, "notes.txt", name)
}

func TestDetermineFilename_FallsBackToURLPath(t *testing.T) {
	u, _ := url.Parse("https://example.com/files/image.png")
	name := determineFilename(u, respWith(nil))
	assert.Equal(t, "image.png", name)
}

func TestDetermineFilename_FallsBackToDefault(t *testing.T) {
	u, _ := url.Parse("https://example.com/")
	name := determineFilename(u, respWith(nil))
	assert.Equal(t, "download.bin", name)
}

func TestSanitizeFilename_StripsIllegalCharacters(t *testing.T) {
	assert.Equal(t, "b_c", sanitizeFilename("a/b:c"))
	assert.Equal(t, "weird_name_", sanitizeFilename("weird*name?"))
}

func TestSanitizeFilename_StripsDirectoryComponents(t *testing.T) {
	assert.Equal(t, "evil.sh", sanitizeFilename("../../evil.sh"))
	assert.Equal(t, "evil.sh", sanitizeFilename(`C:\Windows\evil.sh`))
}

func TestSniffExtension_SkipsWhenExtensionAlreadyPresent(t *testing.T) {
	name, body, err := SniffExtension("archive.zip", strings.NewReader("anything"))
	assert.NoError(t, err)
	assert.Equal(t, "archive.zip", name)
	assert.NotNil(t, body)
}

func TestSniffExtension_DetectsZipMagicBytes(t *testing.T) {
	// A minimal local file header: signature, version, flags, method, time,
	// date, crc, compressed/uncompressed sizes, name length (3), extra
	// length (0), then the 3-byte name "a.txt"[:3].
	header := []byte{0x50, 0x4B, 0x03, 0x04}
	header = append(header, make([]byte, 26)...)
	header[26], header[27] = 3, 0 // name length = 3
	header[28], header[29] = 0, 0 // extra length = 0
	header = append(header, []byte("a.t")...)

	name, body, err := SniffExtension("download.bin", strings.NewReader(string(header)))
	assert.NoError(t, err)
	assert.NotNil(t, body)
	// Name extraction succeeds even though no recognizable magic-byte type
	// follows; the ZIP internal name still wins over the generic default.
	assert.Equal(t, "a.t", name)
}

func TestSniffExtension_HandlesShortBody(t *testing.T) {
	name, body, err := SniffExtension("download.bin", strings.NewReader("tiny"))
	assert.NoError(t, err)
	assert.Equal(t, "download.bin", name)
	assert.NotNil(t, body)
}
