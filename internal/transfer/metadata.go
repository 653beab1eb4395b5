package transfer

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// metadataHeaderSize is the fixed portion of an encoded FileMetadata: 16
// bytes transfer ID, 8 bytes file size, 32 bytes SHA-256, 2 bytes filename
// length.
const metadataHeaderSize = 16 + 8 + 32 + 2

const sha256Size = 32

// readBufferSize is the chunk size used while streaming a file to compute
// its SHA-256 digest.
const readBufferSize = 8192

// FileMetadata describes the file carried by a FILE_OFFER packet: enough to
// let the receiver preallocate, validate a resume candidate, and verify the
// completed transfer.
type FileMetadata struct {
	TransferID uuid.UUID
	FileSize   int64
	SHA256     [sha256Size]byte
	Filename   string
}

// FromFile builds FileMetadata for path, streaming the file once to compute
// its SHA-256 digest. The transfer ID is freshly randomized.
func FromFile(path string) (FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("transfer: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileMetadata{}, fmt.Errorf("transfer: stat %s: %w", path, err)
	}

	h := sha256.New()
	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, bufio.NewReader(f), buf); err != nil {
		return FileMetadata{}, fmt.Errorf("transfer: hashing %s: %w", path, err)
	}

	meta := FileMetadata{
		TransferID: uuid.New(),
		FileSize:   info.Size(),
		Filename:   info.Name(),
	}
	copy(meta.SHA256[:], h.Sum(nil))
	return meta, nil
}

// Encode serializes m to its wire form: fixed header followed by the
// filename's raw UTF-8 bytes.
func (m FileMetadata) Encode() []byte {
	nameBytes := []byte(m.Filename)
	buf := make([]byte, metadataHeaderSize+len(nameBytes))

	copy(buf[0:16], m.TransferID[:])
	binary.BigEndian.PutUint64(buf[16:24], uint64(m.FileSize))
	copy(buf[24:56], m.SHA256[:])
	binary.BigEndian.PutUint16(buf[56:58], uint16(len(nameBytes)))
	copy(buf[58:], nameBytes)

	return buf
}

// DecodeMetadata parses the wire form produced by Encode.
func DecodeMetadata(data []byte) (FileMetadata, error) {
	if len(data) < metadataHeaderSize {
		return FileMetadata{}, fmt.Errorf("transfer: metadata payload too short: %d bytes", len(data))
	}

	var m FileMetadata
	copy(m.TransferID[:], data[0:16])
	m.FileSize = int64(binary.BigEndian.Uint64(data[16:24]))
	copy(m.SHA256[:], data[24:56])

	nameLen := int(binary.BigEndian.Uint16(data[56:58]))
	if len(data) < metadataHeaderSize+nameLen {
		return FileMetadata{}, fmt.Errorf("transfer: metadata filename truncated: want %d bytes, have %d", nameLen, len(data)-metadataHeaderSize)
	}
	m.Filename = string(data[58 : 58+nameLen])

	return m, nil
}

// SHA256Hex returns the lowercase hex encoding of m.SHA256.
func (m FileMetadata) SHA256Hex() string {
	return hex.EncodeToString(m.SHA256[:])
}
