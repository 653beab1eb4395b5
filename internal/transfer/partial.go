package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// partialMagic identifies a .p2p-partial sidecar file ("P2PR" in ASCII).
const partialMagic uint32 = 0x50325052

const partialVersion uint8 = 1

// partialHeaderSize is the fixed portion of an encoded PartialTransferState:
// 4 bytes magic, 1 byte version, 8 bytes file size, 32 bytes SHA-256, 8
// bytes bytes-written, 2 bytes filename length.
const partialHeaderSize = 4 + 1 + 8 + 32 + 8 + 2

// PartialTransferState is the resume checkpoint written alongside a
// partially-received file, letting a later receive attempt resume from
// BytesWritten instead of restarting from zero.
type PartialTransferState struct {
	FileSize     int64
	SHA256       [sha256Size]byte
	BytesWritten int64
	Filename     string
}

// PartialPath returns the sidecar path for outputFile.
func PartialPath(outputFile string) string {
	return outputFile + ".p2p-partial"
}

// Save writes p to PartialPath(outputFile), overwriting any existing
// sidecar.
func (p PartialTransferState) Save(outputFile string) error {
	nameBytes := []byte(p.Filename)
	buf := make([]byte, partialHeaderSize+len(nameBytes))

	binary.BigEndian.PutUint32(buf[0:4], partialMagic)
	buf[4] = partialVersion
	binary.BigEndian.PutUint64(buf[5:13], uint64(p.FileSize))
	copy(buf[13:45], p.SHA256[:])
	binary.BigEndian.PutUint64(buf[45:53], uint64(p.BytesWritten))
	binary.BigEndian.PutUint16(buf[53:55], uint16(len(nameBytes)))
	copy(buf[55:], nameBytes)

	path := PartialPath(outputFile)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("transfer: saving partial state %s: %w", path, err)
	}
	return nil
}

// LoadPartial reads and validates the sidecar for outputFile. It returns
// (PartialTransferState{}, false, nil) if no sidecar exists or it is
// malformed — the caller treats either as "no resumable state", matching a
// missing sidecar rather than failing the transfer over a corrupt one.
func LoadPartial(outputFile string) (PartialTransferState, bool, error) {
	path := PartialPath(outputFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return PartialTransferState{}, false, nil
	}
	if err != nil {
		return PartialTransferState{}, false, fmt.Errorf("transfer: reading partial state %s: %w", path, err)
	}

	if len(data) < partialHeaderSize {
		return PartialTransferState{}, false, nil
	}
	if binary.BigEndian.Uint32(data[0:4]) != partialMagic {
		return PartialTransferState{}, false, nil
	}
	if data[4] != partialVersion {
		return PartialTransferState{}, false, nil
	}

	var p PartialTransferState
	p.FileSize = int64(binary.BigEndian.Uint64(data[5:13]))
	copy(p.SHA256[:], data[13:45])
	p.BytesWritten = int64(binary.BigEndian.Uint64(data[45:53]))

	nameLen := int(binary.BigEndian.Uint16(data[53:55]))
	if len(data) < partialHeaderSize+nameLen {
		return PartialTransferState{}, false, nil
	}
	p.Filename = string(data[55 : 55+nameLen])

	return p, true, nil
}

// DeletePartial removes the sidecar for outputFile, if any. A missing
// sidecar is not an error.
func DeletePartial(outputFile string) error {
	err := os.Remove(PartialPath(outputFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("transfer: deleting partial state: %w", err)
	}
	return nil
}

// Matches reports whether p is a valid resume candidate for a freshly
// received FILE_OFFER: same filename, same size, same content hash.
func (p PartialTransferState) Matches(offer FileMetadata) bool {
	return p.Filename == offer.Filename &&
		p.FileSize == offer.FileSize &&
		p.SHA256 == offer.SHA256
}
