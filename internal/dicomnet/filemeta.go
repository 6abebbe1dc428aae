package dicomnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// writeMetaElement writes one explicit-VR-little-endian file meta element.
func writeMetaElement(buf *bytes.Buffer, tag Tag, vr string, value []byte) {
	if len(value)%2 != 0 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0x00
		}
		value = append(value, pad)
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:], tag.Group)
	binary.LittleEndian.PutUint16(hdr[2:], tag.Element)
	copy(hdr[4:6], vr)

	switch vr {
	case "OB":
		// OB uses a 12-byte header with two reserved bytes and a 32-bit
		// length.
		buf.Write(hdr[:6])
		buf.Write([]byte{0, 0})
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
		buf.Write(l[:])
	default:
		binary.LittleEndian.PutUint16(hdr[6:], uint16(len(value)))
		buf.Write(hdr[:])
	}
	buf.Write(value)
}

// encodeFileMeta synthesizes the Part-10 file meta group for a dataset
// received over the network, which arrives without one.
func encodeFileMeta(sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	var group bytes.Buffer
	writeMetaElement(&group, Tag{0x0002, 0x0001}, "OB", []byte{0x00, 0x01})
	writeMetaElement(&group, Tag{0x0002, 0x0002}, "UI", []byte(sopClassUID))
	writeMetaElement(&group, Tag{0x0002, 0x0003}, "UI", []byte(sopInstanceUID))
	writeMetaElement(&group, Tag{0x0002, 0x0010}, "UI", []byte(transferSyntaxUID))
	writeMetaElement(&group, Tag{0x0002, 0x0012}, "UI", []byte(implementationClassUID))
	writeMetaElement(&group, Tag{0x0002, 0x0013}, "SH", []byte(implementationVersion))

	var out bytes.Buffer
	var groupLen [4]byte
	binary.LittleEndian.PutUint32(groupLen[:], uint32(group.Len()))
	writeMetaElement(&out, Tag{0x0002, 0x0000}, "UL", groupLen[:])
	out.Write(group.Bytes())
	return out.Bytes()
}

// WriteFile stores a received dataset as a standard Part-10 file: preamble,
// magic, synthesized meta group, then the dataset bytes as transferred.
// The write goes through a temp file and rename so a crash never leaves a
// half-written instance behind.
func WriteFile(path, sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	buf.Write(encodeFileMeta(sopClassUID, sopInstanceUID, transferSyntaxUID))
	buf.Write(dataset)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dcm-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write instance: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close instance file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize instance file: %w", err)
	}
	return nil
}
