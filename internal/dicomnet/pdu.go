package dicomnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Upper-layer PDU types (PS3.8).
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduData        = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// Variable item types inside associate PDUs.
const (
	itemApplicationContext = 0x10
	itemPresContextRQ      = 0x20
	itemPresContextAC      = 0x21
	itemAbstractSyntax     = 0x30
	itemTransferSyntax     = 0x40
	itemUserInformation    = 0x50
	itemMaxLength          = 0x51
	itemImplementationUID  = 0x52
	itemRoleSelection      = 0x54
	itemImplementationVer  = 0x55
)

// Presentation context negotiation results.
const (
	presAccepted              = 0
	presAbstractSyntaxRefused = 3
	presTransferSyntaxRefused = 4
)

const defaultMaxPDU = 64 * 1024

func writePDU(w io.Writer, pduType byte, body []byte) error {
	hdr := make([]byte, 6)
	hdr[0] = pduType
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readPDU(r io.Reader) (byte, []byte, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	if length > 16*1024*1024 {
		return 0, nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

func writeItem(buf *bytes.Buffer, itemType byte, content []byte) {
	buf.WriteByte(itemType)
	buf.WriteByte(0)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(content)))
	buf.Write(l[:])
	buf.Write(content)
}

func readItem(r *bytes.Reader) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(hdr[2:])
	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		return 0, nil, err
	}
	return hdr[0], content, nil
}

type presContextRQ struct {
	id               byte
	abstractSyntax   string
	transferSyntaxes []string
}

type presContextAC struct {
	id             byte
	result         byte
	transferSyntax string
}

// roleSelection asks for the SCP role on a storage class, needed so C-GET
// sub-operations can flow back over the requestor's association.
type roleSelection struct {
	sopClassUID string
	scuRole     byte
	scpRole     byte
}

type associateRQ struct {
	calledAE  string
	callingAE string
	contexts  []presContextRQ
	roles     []roleSelection
	maxPDU    uint32
}

type associateAC struct {
	calledAE  string
	callingAE string
	contexts  []presContextAC
	maxPDU    uint32
}

func padAE(title string) []byte {
	b := []byte(title)
	if len(b) > 16 {
		b = b[:16]
	}
	for len(b) < 16 {
		b = append(b, ' ')
	}
	return b
}

func encodeAssociateRQ(rq *associateRQ) []byte {
	var buf bytes.Buffer
	var fixed [68]byte
	binary.BigEndian.PutUint16(fixed[0:], 1) // protocol version
	copy(fixed[4:], padAE(rq.calledAE))
	copy(fixed[20:], padAE(rq.callingAE))
	buf.Write(fixed[:])

	writeItem(&buf, itemApplicationContext, []byte(applicationContextName))

	for _, pc := range rq.contexts {
		var item bytes.Buffer
		item.Write([]byte{pc.id, 0, 0, 0})
		writeItem(&item, itemAbstractSyntax, []byte(pc.abstractSyntax))
		for _, ts := range pc.transferSyntaxes {
			writeItem(&item, itemTransferSyntax, []byte(ts))
		}
		writeItem(&buf, itemPresContextRQ, item.Bytes())
	}

	var user bytes.Buffer
	var maxLen [4]byte
	binary.BigEndian.PutUint32(maxLen[:], rq.maxPDU)
	writeItem(&user, itemMaxLength, maxLen[:])
	writeItem(&user, itemImplementationUID, []byte(implementationClassUID))
	writeItem(&user, itemImplementationVer, []byte(implementationVersion))
	for _, role := range rq.roles {
		var rs bytes.Buffer
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(role.sopClassUID)))
		rs.Write(l[:])
		rs.WriteString(role.sopClassUID)
		rs.WriteByte(role.scuRole)
		rs.WriteByte(role.scpRole)
		writeItem(&user, itemRoleSelection, rs.Bytes())
	}
	writeItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

func decodeAssociateRQ(body []byte) (*associateRQ, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("associate rq too short: %d bytes", len(body))
	}
	rq := &associateRQ{
		calledAE:  strings.TrimSpace(string(body[4:20])),
		callingAE: strings.TrimSpace(string(body[20:36])),
		maxPDU:    defaultMaxPDU,
	}

	r := bytes.NewReader(body[68:])
	for r.Len() > 0 {
		itemType, content, err := readItem(r)
		if err != nil {
			return nil, fmt.Errorf("malformed associate item: %w", err)
		}
		switch itemType {
		case itemPresContextRQ:
			if len(content) < 4 {
				return nil, fmt.Errorf("malformed presentation context item")
			}
			pc := presContextRQ{id: content[0]}
			sub := bytes.NewReader(content[4:])
			for sub.Len() > 0 {
				subType, subContent, err := readItem(sub)
				if err != nil {
					return nil, fmt.Errorf("malformed presentation sub-item: %w", err)
				}
				switch subType {
				case itemAbstractSyntax:
					pc.abstractSyntax = string(subContent)
				case itemTransferSyntax:
					pc.transferSyntaxes = append(pc.transferSyntaxes, string(subContent))
				}
			}
			rq.contexts = append(rq.contexts, pc)
		case itemUserInformation:
			sub := bytes.NewReader(content)
			for sub.Len() > 0 {
				subType, subContent, err := readItem(sub)
				if err != nil {
					return nil, fmt.Errorf("malformed user info sub-item: %w", err)
				}
				if subType == itemMaxLength && len(subContent) == 4 {
					rq.maxPDU = binary.BigEndian.Uint32(subContent)
				}
			}
		}
	}
	return rq, nil
}

func encodeAssociateAC(ac *associateAC) []byte {
	var buf bytes.Buffer
	var fixed [68]byte
	binary.BigEndian.PutUint16(fixed[0:], 1)
	copy(fixed[4:], padAE(ac.calledAE))
	copy(fixed[20:], padAE(ac.callingAE))
	buf.Write(fixed[:])

	writeItem(&buf, itemApplicationContext, []byte(applicationContextName))

	for _, pc := range ac.contexts {
		var item bytes.Buffer
		item.Write([]byte{pc.id, 0, pc.result, 0})
		writeItem(&item, itemTransferSyntax, []byte(pc.transferSyntax))
		writeItem(&buf, itemPresContextAC, item.Bytes())
	}

	var user bytes.Buffer
	var maxLen [4]byte
	binary.BigEndian.PutUint32(maxLen[:], ac.maxPDU)
	writeItem(&user, itemMaxLength, maxLen[:])
	writeItem(&user, itemImplementationUID, []byte(implementationClassUID))
	writeItem(&user, itemImplementationVer, []byte(implementationVersion))
	writeItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

func decodeAssociateAC(body []byte) (*associateAC, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("associate ac too short: %d bytes", len(body))
	}
	ac := &associateAC{
		calledAE:  strings.TrimSpace(string(body[4:20])),
		callingAE: strings.TrimSpace(string(body[20:36])),
		maxPDU:    defaultMaxPDU,
	}

	r := bytes.NewReader(body[68:])
	for r.Len() > 0 {
		itemType, content, err := readItem(r)
		if err != nil {
			return nil, fmt.Errorf("malformed associate item: %w", err)
		}
		switch itemType {
		case itemPresContextAC:
			if len(content) < 4 {
				return nil, fmt.Errorf("malformed presentation context item")
			}
			pc := presContextAC{id: content[0], result: content[2]}
			sub := bytes.NewReader(content[4:])
			for sub.Len() > 0 {
				subType, subContent, err := readItem(sub)
				if err != nil {
					return nil, fmt.Errorf("malformed presentation sub-item: %w", err)
				}
				if subType == itemTransferSyntax {
					pc.transferSyntax = string(subContent)
				}
			}
			ac.contexts = append(ac.contexts, pc)
		case itemUserInformation:
			sub := bytes.NewReader(content)
			for sub.Len() > 0 {
				subType, subContent, err := readItem(sub)
				if err != nil {
					return nil, fmt.Errorf("malformed user info sub-item: %w", err)
				}
				if subType == itemMaxLength && len(subContent) == 4 {
					ac.maxPDU = binary.BigEndian.Uint32(subContent)
				}
			}
		}
	}
	return ac, nil
}

// pdv flags: bit 0 set = command fragment, bit 1 set = last fragment.
const (
	pdvCommand = 0x01
	pdvLast    = 0x02
)

type pdv struct {
	contextID byte
	flags     byte
	data      []byte
}

func encodePData(pdvs []pdv) []byte {
	var buf bytes.Buffer
	for _, p := range pdvs {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(p.data)+2))
		buf.Write(l[:])
		buf.WriteByte(p.contextID)
		buf.WriteByte(p.flags)
		buf.Write(p.data)
	}
	return buf.Bytes()
}

func decodePData(body []byte) ([]pdv, error) {
	var pdvs []pdv
	r := bytes.NewReader(body)
	for r.Len() > 0 {
		var l [4]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, fmt.Errorf("malformed pdv length: %w", err)
		}
		length := binary.BigEndian.Uint32(l[:])
		if length < 2 || int(length) > r.Len() {
			return nil, fmt.Errorf("invalid pdv length %d", length)
		}
		item := make([]byte, length)
		if _, err := io.ReadFull(r, item); err != nil {
			return nil, fmt.Errorf("truncated pdv: %w", err)
		}
		pdvs = append(pdvs, pdv{contextID: item[0], flags: item[1], data: item[2:]})
	}
	return pdvs, nil
}
