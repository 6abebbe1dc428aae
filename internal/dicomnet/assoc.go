package dicomnet

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
)

// ErrReleased reports a graceful association release initiated by the peer.
var ErrReleased = errors.New("association released by peer")

// ErrAborted reports an A-ABORT from the peer.
var ErrAborted = errors.New("association aborted by peer")

// assoc is an established association over one TCP connection. It tracks
// the accepted presentation contexts and handles P-DATA fragmentation.
type assoc struct {
	conn     net.Conn
	r        *bufio.Reader
	maxPDU   uint32
	peerAE   string
	localAE  string
	accepted map[byte]acceptedContext
}

type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
}

// contextFor returns the id of an accepted presentation context for the
// given abstract syntax.
func (a *assoc) contextFor(abstractSyntax string) (byte, bool) {
	for id, ctx := range a.accepted {
		if ctx.abstractSyntax == abstractSyntax {
			return id, true
		}
	}
	return 0, false
}

// message is one assembled DIMSE message: a command set and its optional
// data set bytes in the negotiated transfer syntax.
type message struct {
	contextID byte
	command   *Dataset
	data      []byte
}

// writeMessage fragments the command set and data set into PDVs bounded by
// the peer's maximum PDU length.
func (a *assoc) writeMessage(contextID byte, cmd *Dataset, data []byte) error {
	maxChunk := int(a.maxPDU) - 6
	if maxChunk < 1024 {
		maxChunk = 1024
	}

	if err := a.writeFragments(contextID, encodeCommand(cmd), pdvCommand, maxChunk); err != nil {
		return err
	}
	if data != nil {
		return a.writeFragments(contextID, data, 0, maxChunk)
	}
	return nil
}

func (a *assoc) writeFragments(contextID byte, payload []byte, baseFlags byte, maxChunk int) error {
	for offset := 0; ; {
		end := offset + maxChunk
		if end >= len(payload) {
			end = len(payload)
		}
		flags := baseFlags
		if end == len(payload) {
			flags |= pdvLast
		}
		body := encodePData([]pdv{{contextID: contextID, flags: flags, data: payload[offset:end]}})
		if err := writePDU(a.conn, pduData, body); err != nil {
			return fmt.Errorf("failed to write p-data pdu: %w", err)
		}
		offset = end
		if offset == len(payload) {
			return nil
		}
	}
}

// readMessage assembles the next DIMSE message. Release requests are
// acknowledged and surfaced as ErrReleased.
func (a *assoc) readMessage() (*message, error) {
	var cmdBuf, dataBuf bytes.Buffer
	var contextID byte
	cmdDone := false
	var msg *message

	for {
		pduType, body, err := readPDU(a.r)
		if err != nil {
			return nil, fmt.Errorf("failed to read pdu: %w", err)
		}

		switch pduType {
		case pduData:
			pdvs, err := decodePData(body)
			if err != nil {
				return nil, err
			}
			for _, p := range pdvs {
				contextID = p.contextID
				if p.flags&pdvCommand != 0 {
					cmdBuf.Write(p.data)
					if p.flags&pdvLast != 0 {
						cmdDone = true
						cmd, err := DecodeDataset(cmdBuf.Bytes())
						if err != nil {
							return nil, fmt.Errorf("malformed command set: %w", err)
						}
						msg = &message{contextID: contextID, command: cmd}
						dsType, _ := cmd.GetUint16(TagCommandDataSetType)
						if dsType == dataSetAbsent {
							return msg, nil
						}
					}
				} else {
					if !cmdDone {
						return nil, fmt.Errorf("data pdv before command set")
					}
					dataBuf.Write(p.data)
					if p.flags&pdvLast != 0 {
						msg.data = dataBuf.Bytes()
						return msg, nil
					}
				}
			}
		case pduReleaseRQ:
			_ = writePDU(a.conn, pduReleaseRP, make([]byte, 4))
			return nil, ErrReleased
		case pduAbort:
			return nil, ErrAborted
		default:
			return nil, fmt.Errorf("unexpected pdu type 0x%02X", pduType)
		}
	}
}

// release performs a graceful release from our side.
func (a *assoc) release() error {
	if err := writePDU(a.conn, pduReleaseRQ, make([]byte, 4)); err != nil {
		return err
	}
	// Drain until the release response; stray P-DATA is discarded.
	for {
		pduType, _, err := readPDU(a.r)
		if err != nil {
			return err
		}
		if pduType == pduReleaseRP || pduType == pduAbort {
			return nil
		}
	}
}

func (a *assoc) close() error {
	return a.conn.Close()
}

// acceptAssociation negotiates the acceptor side. Contexts whose abstract
// syntax is not in the allowed set are refused individually; the
// association itself stays up as long as the protocol is well formed.
func acceptAssociation(conn net.Conn, localAE string, allowed map[string]bool, transferSyntaxes []string) (*assoc, error) {
	r := bufio.NewReader(conn)
	pduType, body, err := readPDU(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read associate rq: %w", err)
	}
	if pduType != pduAssociateRQ {
		_ = writePDU(conn, pduAbort, []byte{0, 0, 0, 0})
		return nil, fmt.Errorf("expected associate rq, got pdu 0x%02X", pduType)
	}

	rq, err := decodeAssociateRQ(body)
	if err != nil {
		return nil, err
	}

	supportedTS := map[string]bool{}
	for _, ts := range transferSyntaxes {
		supportedTS[ts] = true
	}

	a := &assoc{
		conn:     conn,
		r:        r,
		maxPDU:   rq.maxPDU,
		peerAE:   rq.callingAE,
		localAE:  localAE,
		accepted: map[byte]acceptedContext{},
	}

	ac := &associateAC{
		calledAE:  rq.calledAE,
		callingAE: rq.callingAE,
		maxPDU:    defaultMaxPDU,
	}

	for _, pc := range rq.contexts {
		result := byte(presAbstractSyntaxRefused)
		chosenTS := ImplicitVRLittleEndian
		if allowed[pc.abstractSyntax] {
			result = presTransferSyntaxRefused
			for _, ts := range pc.transferSyntaxes {
				if supportedTS[ts] {
					result = presAccepted
					chosenTS = ts
					break
				}
			}
		}
		if result == presAccepted {
			a.accepted[pc.id] = acceptedContext{
				abstractSyntax: pc.abstractSyntax,
				transferSyntax: chosenTS,
			}
		}
		ac.contexts = append(ac.contexts, presContextAC{id: pc.id, result: result, transferSyntax: chosenTS})
	}

	if err := writePDU(conn, pduAssociateAC, encodeAssociateAC(ac)); err != nil {
		return nil, fmt.Errorf("failed to write associate ac: %w", err)
	}
	return a, nil
}

// proposedContext is one presentation context offered by the requestor,
// with its transfer syntaxes in preference order.
type proposedContext struct {
	abstractSyntax   string
	transferSyntaxes []string
}

// requestAssociation negotiates the requestor side.
func requestAssociation(conn net.Conn, callingAE, calledAE string, contexts []proposedContext, roles []roleSelection) (*assoc, error) {
	rq := &associateRQ{
		calledAE:  calledAE,
		callingAE: callingAE,
		maxPDU:    defaultMaxPDU,
		roles:     roles,
	}
	for i, pc := range contexts {
		rq.contexts = append(rq.contexts, presContextRQ{
			id:               byte(2*i + 1),
			abstractSyntax:   pc.abstractSyntax,
			transferSyntaxes: pc.transferSyntaxes,
		})
	}

	if err := writePDU(conn, pduAssociateRQ, encodeAssociateRQ(rq)); err != nil {
		return nil, fmt.Errorf("failed to write associate rq: %w", err)
	}

	r := bufio.NewReader(conn)
	pduType, body, err := readPDU(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read associate response: %w", err)
	}

	switch pduType {
	case pduAssociateAC:
	case pduAssociateRJ:
		if len(body) >= 4 {
			return nil, fmt.Errorf("association rejected: result=%d source=%d reason=%d", body[1], body[2], body[3])
		}
		return nil, fmt.Errorf("association rejected")
	default:
		return nil, fmt.Errorf("unexpected pdu type 0x%02X during negotiation", pduType)
	}

	ac, err := decodeAssociateAC(body)
	if err != nil {
		return nil, err
	}

	a := &assoc{
		conn:     conn,
		r:        r,
		maxPDU:   ac.maxPDU,
		peerAE:   calledAE,
		localAE:  callingAE,
		accepted: map[byte]acceptedContext{},
	}
	for _, pc := range ac.contexts {
		if pc.result != presAccepted {
			continue
		}
		// Map the context id back to the abstract syntax we proposed.
		idx := int(pc.id-1) / 2
		if idx >= 0 && idx < len(contexts) {
			a.accepted[pc.id] = acceptedContext{
				abstractSyntax: contexts[idx].abstractSyntax,
				transferSyntax: pc.transferSyntax,
			}
		}
	}
	if len(a.accepted) == 0 {
		_ = a.release()
		return nil, fmt.Errorf("peer accepted no presentation contexts")
	}
	return a, nil
}
