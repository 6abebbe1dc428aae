package dicomnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Tag identifies one data element.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Command group (0000,xxxx) tags.
var (
	TagCommandGroupLength     = Tag{0x0000, 0x0000}
	TagAffectedSOPClassUID    = Tag{0x0000, 0x0002}
	TagCommandField           = Tag{0x0000, 0x0100}
	TagMessageID              = Tag{0x0000, 0x0110}
	TagMessageIDRespondedTo   = Tag{0x0000, 0x0120}
	TagMoveDestination        = Tag{0x0000, 0x0600}
	TagPriority               = Tag{0x0000, 0x0700}
	TagCommandDataSetType     = Tag{0x0000, 0x0800}
	TagStatus                 = Tag{0x0000, 0x0900}
	TagAffectedSOPInstanceUID = Tag{0x0000, 0x1000}
)

// Identifier tags used by the query/retrieve operations.
var (
	TagStudyDate         = Tag{0x0008, 0x0020}
	TagAccessionNumber   = Tag{0x0008, 0x0050}
	TagQueryRetrieveLvl  = Tag{0x0008, 0x0052}
	TagModality          = Tag{0x0008, 0x0060}
	TagStudyDescription  = Tag{0x0008, 0x1030}
	TagPatientID         = Tag{0x0010, 0x0020}
	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
)

type element struct {
	tag   Tag
	value []byte
}

// Dataset is a minimal ordered implicit-VR-little-endian dataset, enough
// for DIMSE command sets and query identifiers. Elements keep insertion
// order; callers insert in ascending tag order as the protocol requires.
type Dataset struct {
	elems []element
}

func NewDataset() *Dataset {
	return &Dataset{}
}

func (d *Dataset) set(tag Tag, value []byte) {
	for i := range d.elems {
		if d.elems[i].tag == tag {
			d.elems[i].value = value
			return
		}
	}
	d.elems = append(d.elems, element{tag: tag, value: value})
}

// SetString stores a text value padded to even length with a space.
func (d *Dataset) SetString(tag Tag, s string) {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	d.set(tag, b)
}

// SetUID stores a UID value padded to even length with a NUL, per the UI
// value representation.
func (d *Dataset) SetUID(tag Tag, uid string) {
	b := []byte(uid)
	if len(b)%2 != 0 {
		b = append(b, 0x00)
	}
	d.set(tag, b)
}

func (d *Dataset) SetUint16(tag Tag, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	d.set(tag, b)
}

func (d *Dataset) SetUint32(tag Tag, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	d.set(tag, b)
}

func (d *Dataset) GetString(tag Tag) (string, bool) {
	for _, e := range d.elems {
		if e.tag == tag {
			return strings.TrimRight(string(e.value), " \x00"), true
		}
	}
	return "", false
}

func (d *Dataset) GetUint16(tag Tag) (uint16, bool) {
	for _, e := range d.elems {
		if e.tag == tag && len(e.value) >= 2 {
			return binary.LittleEndian.Uint16(e.value), true
		}
	}
	return 0, false
}

// Encode serializes the dataset in implicit VR little endian.
func (d *Dataset) Encode() []byte {
	var buf bytes.Buffer
	for _, e := range d.elems {
		var hdr [8]byte
		binary.LittleEndian.PutUint16(hdr[0:], e.tag.Group)
		binary.LittleEndian.PutUint16(hdr[2:], e.tag.Element)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(e.value)))
		buf.Write(hdr[:])
		buf.Write(e.value)
	}
	return buf.Bytes()
}

// DecodeDataset parses an implicit VR little endian element stream.
func DecodeDataset(data []byte) (*Dataset, error) {
	d := NewDataset()
	r := bytes.NewReader(data)
	for {
		var hdr [8]byte
		_, err := io.ReadFull(r, hdr[:])
		if err == io.EOF {
			return d, nil
		}
		if err != nil {
			return nil, fmt.Errorf("truncated element header: %w", err)
		}

		tag := Tag{
			Group:   binary.LittleEndian.Uint16(hdr[0:]),
			Element: binary.LittleEndian.Uint16(hdr[2:]),
		}
		length := binary.LittleEndian.Uint32(hdr[4:])
		if length == 0xFFFFFFFF {
			return nil, fmt.Errorf("undefined length element %s not supported", tag)
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("truncated element %s: %w", tag, err)
		}
		d.elems = append(d.elems, element{tag: tag, value: value})
	}
}

// encodeCommand serializes a command set, prefixing the mandatory command
// group length element.
func encodeCommand(d *Dataset) []byte {
	body := d.Encode()
	head := NewDataset()
	head.SetUint32(TagCommandGroupLength, uint32(len(body)))
	return append(head.Encode(), body...)
}
