package engine

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

const (
	FormatIFC    = "ifc"
	FormatGLB    = "glb"
	FormatJSON   = "json"
	FormatBinary = "binary"
)

var (
	ifcMagic = []byte("ISO-10303-21;")
	glbMagic = []byte("glTF")
)

// sniff classifies data by its leading bytes and checks the container is well formed.
func sniff(data []byte) (string, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	switch {
	case bytes.HasPrefix(trimmed, ifcMagic):
		if !bytes.Contains(trimmed, []byte("END-ISO-10303-21;")) {
			return "", xerrors.New("truncated ifc: missing END-ISO-10303-21")
		}
		return FormatIFC, nil

	case bytes.HasPrefix(data, glbMagic):
		if len(data) < 12 {
			return "", xerrors.New("truncated glb header")
		}
		if v := binary.LittleEndian.Uint32(data[4:8]); v != 2 {
			return "", xerrors.Newf("unsupported glb version %d", v)
		}
		if n := binary.LittleEndian.Uint32(data[8:12]); int(n) != len(data) {
			return "", xerrors.Newf("glb length %d does not match size %d", n, len(data))
		}
		return FormatGLB, nil

	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		if !json.Valid(trimmed) {
			return "", xerrors.New("malformed json object")
		}
		return FormatJSON, nil
	}
	return FormatBinary, nil
}
