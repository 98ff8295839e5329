package capsule

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Capsule file layout: a fixed header, the YAML manifest, then the image
// payload running to EOF. For compressed capsules the payload is the
// zstd-compressed inner capsule file.
const (
	magic         = "CPSL"
	formatVersion = 1
	headerSize    = 10
)

// IsCapsuleFile reports whether a file name carries one of the capsule
// extensions.
func IsCapsuleFile(name string) bool {
	return strings.HasSuffix(name, constants.CapsuleExt) ||
		strings.HasSuffix(name, constants.CompressedCapsuleExt)
}

// Open reads and validates a capsule file header and manifest.
func Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: short header", constants.ErrMalformedCapsule, path)
	}
	if string(hdr[0:4]) != magic {
		return nil, fmt.Errorf("%w: %s: bad magic", constants.ErrMalformedCapsule, path)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported format version %d", constants.ErrMalformedCapsule, path, v)
	}
	manifestLen := int64(binary.BigEndian.Uint32(hdr[6:10]))
	if manifestLen <= 0 || headerSize+manifestLen > st.Size() {
		return nil, fmt.Errorf("%w: %s: manifest length %d out of bounds", constants.ErrMalformedCapsule, path, manifestLen)
	}

	raw := make([]byte, manifestLen)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: short manifest", constants.ErrMalformedCapsule, path)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", constants.ErrMalformedCapsule, path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%w: %s: empty capsule name", constants.ErrMalformedCapsule, path)
	}
	if m.Version < 0 {
		return nil, fmt.Errorf("%w: %s: negative version %d", constants.ErrMalformedCapsule, path, m.Version)
	}

	return &Handle{
		Manifest:      m,
		Path:          path,
		Partition:     PartitionFor(path),
		PayloadOffset: headerSize + manifestLen,
		PayloadSize:   st.Size() - headerSize - manifestLen,
	}, nil
}

// Decompress streams the decompressed inner capsule of a compressed handle
// into dst.
func (h *Handle) Decompress(dst io.Writer) error {
	if !h.Compressed {
		return fmt.Errorf("capsule %s is not compressed", h.Name)
	}
	f, err := os.Open(h.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	payload := io.NewSectionReader(f, h.PayloadOffset, h.PayloadSize)
	dec, err := zstd.NewReader(payload)
	if err != nil {
		return err
	}
	defer dec.Close()

	_, err = io.Copy(dst, dec)
	return err
}

// Write creates a capsule file. Used by packaging tooling and by the test
// suites to craft fixtures; when m.Compressed is set the payload is
// zstd-compressed before it is embedded.
func Write(path string, m Manifest, payload []byte) error {
	raw, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}

	body := payload
	if m.Compressed {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		body = enc.EncodeAll(payload, nil)
		enc.Close()
	}

	hdr := make([]byte, headerSize)
	copy(hdr[0:4], magic)
	binary.BigEndian.PutUint16(hdr[4:6], formatVersion)
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(raw)))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	for _, chunk := range [][]byte{hdr, raw, body} {
		if _, err := f.Write(chunk); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
