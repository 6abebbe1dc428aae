package dicomnet

import (
	"bytes"
	"context"
	"net"
	"testing"
)

func TestDatasetRoundTrip(t *testing.T) {
	d := NewDataset()
	d.SetString(TagStudyDate, "20240101-20240102")
	d.SetString(TagQueryRetrieveLvl, "STUDY")
	d.SetString(TagModality, "CR")
	d.SetUID(TagStudyInstanceUID, "1.2.840.113619.2.1")

	decoded, err := DecodeDataset(d.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got, _ := decoded.GetString(TagStudyDate); got != "20240101-20240102" {
		t.Fatalf("study date mismatch: %q", got)
	}
	if got, _ := decoded.GetString(TagModality); got != "CR" {
		t.Fatalf("modality mismatch: %q", got)
	}
	// UID padding uses NUL, which must be stripped on read.
	if got, _ := decoded.GetString(TagStudyInstanceUID); got != "1.2.840.113619.2.1" {
		t.Fatalf("study uid mismatch: %q", got)
	}
}

func TestDatasetSetOverwrites(t *testing.T) {
	d := NewDataset()
	d.SetUint16(TagCommandField, cmdCFindRQ)
	d.SetUint16(TagCommandField, cmdCMoveRQ)

	if got, _ := d.GetUint16(TagCommandField); got != cmdCMoveRQ {
		t.Fatalf("expected overwrite, got 0x%04X", got)
	}
	if len(d.elems) != 1 {
		t.Fatalf("expected single element, got %d", len(d.elems))
	}
}

func TestEncodeCommandPrefixesGroupLength(t *testing.T) {
	d := NewDataset()
	d.SetUID(TagAffectedSOPClassUID, VerificationSOPClass)
	d.SetUint16(TagCommandField, cmdCEchoRQ)

	decoded, err := DecodeDataset(encodeCommand(d))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	body := d.Encode()
	if got, ok := decoded.GetUint16(TagCommandGroupLength); !ok || int(got) != len(body) {
		t.Fatalf("group length = %d, want %d", got, len(body))
	}
}

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &associateRQ{
		calledAE:  "ARCHIVE",
		callingAE: "XRAYVISION",
		maxPDU:    32 * 1024,
		contexts: []presContextRQ{
			{
				id:               1,
				abstractSyntax:   StudyRootQRFind,
				transferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian},
			},
			{
				id:               3,
				abstractSyntax:   CRImageStorage,
				transferSyntaxes: []string{ImplicitVRLittleEndian},
			},
		},
		roles: []roleSelection{{sopClassUID: CRImageStorage, scuRole: 0, scpRole: 1}},
	}

	decoded, err := decodeAssociateRQ(encodeAssociateRQ(rq))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.calledAE != "ARCHIVE" || decoded.callingAE != "XRAYVISION" {
		t.Fatalf("ae titles mismatch: %q / %q", decoded.calledAE, decoded.callingAE)
	}
	if decoded.maxPDU != 32*1024 {
		t.Fatalf("max pdu = %d", decoded.maxPDU)
	}
	if len(decoded.contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(decoded.contexts))
	}
	if decoded.contexts[0].abstractSyntax != StudyRootQRFind {
		t.Fatalf("abstract syntax mismatch: %q", decoded.contexts[0].abstractSyntax)
	}
	if len(decoded.contexts[0].transferSyntaxes) != 2 {
		t.Fatalf("expected 2 transfer syntaxes, got %d", len(decoded.contexts[0].transferSyntaxes))
	}
}

func TestAssociateACRoundTrip(t *testing.T) {
	ac := &associateAC{
		calledAE:  "ARCHIVE",
		callingAE: "XRAYVISION",
		maxPDU:    defaultMaxPDU,
		contexts: []presContextAC{
			{id: 1, result: presAccepted, transferSyntax: ExplicitVRLittleEndian},
			{id: 3, result: presAbstractSyntaxRefused, transferSyntax: ImplicitVRLittleEndian},
		},
	}

	decoded, err := decodeAssociateAC(encodeAssociateAC(ac))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(decoded.contexts))
	}
	if decoded.contexts[0].result != presAccepted || decoded.contexts[1].result != presAbstractSyntaxRefused {
		t.Fatalf("results mismatch: %d / %d", decoded.contexts[0].result, decoded.contexts[1].result)
	}
	if decoded.contexts[0].transferSyntax != ExplicitVRLittleEndian {
		t.Fatalf("transfer syntax mismatch: %q", decoded.contexts[0].transferSyntax)
	}
}

func TestPDataRoundTrip(t *testing.T) {
	in := []pdv{
		{contextID: 1, flags: pdvCommand | pdvLast, data: []byte{0x01, 0x02, 0x03}},
		{contextID: 1, flags: pdvLast, data: bytes.Repeat([]byte{0xAB}, 512)},
	}

	out, err := decodePData(encodePData(in))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 pdvs, got %d", len(out))
	}
	if out[0].flags != pdvCommand|pdvLast || !bytes.Equal(out[0].data, in[0].data) {
		t.Fatalf("command pdv mismatch")
	}
	if !bytes.Equal(out[1].data, in[1].data) {
		t.Fatalf("data pdv mismatch")
	}
}

func TestDecodePDataRejectsTruncated(t *testing.T) {
	body := encodePData([]pdv{{contextID: 1, flags: pdvLast, data: []byte{1, 2, 3, 4}}})
	if _, err := decodePData(body[:len(body)-2]); err == nil {
		t.Fatalf("expected error for truncated pdv")
	}
}

func TestConnectNegotiatesImplicitVRForQueryModels(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		defer conn.Close()
		allowed := map[string]bool{
			StudyRootQRFind: true,
			StudyRootQRMove: true,
			StudyRootQRGet:  true,
			CRImageStorage:  true,
		}
		// An archive preferring explicit VR must still end up on implicit
		// for the query models, because identifiers are encoded implicit.
		_, err = acceptAssociation(conn, "ARCHIVE", allowed, []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian})
		acceptErr <- err
	}()

	u, err := Connect(context.Background(), ln.Addr().String(), "XRAYVISION", "ARCHIVE", []string{CRImageStorage})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer u.a.close()

	if err := <-acceptErr; err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	for _, model := range []string{StudyRootQRFind, StudyRootQRMove, StudyRootQRGet} {
		id, ok := u.a.contextFor(model)
		if !ok {
			t.Fatalf("context for %s not accepted", model)
		}
		if ts := u.a.accepted[id].transferSyntax; ts != ImplicitVRLittleEndian {
			t.Fatalf("%s negotiated %s, want implicit VR little endian", model, ts)
		}
	}

	// The storage context carries opaque instance bytes and may take the
	// peer's preferred syntax.
	id, ok := u.a.contextFor(CRImageStorage)
	if !ok {
		t.Fatalf("storage context not accepted")
	}
	if ts := u.a.accepted[id].transferSyntax; ts != ExplicitVRLittleEndian {
		t.Fatalf("storage context negotiated %s, want explicit VR little endian", ts)
	}
}

func TestFileMetaIsPart10(t *testing.T) {
	meta := encodeFileMeta(CRImageStorage, "1.2.3.4", ImplicitVRLittleEndian)
	if len(meta) == 0 {
		t.Fatalf("empty file meta")
	}
	// First element must be the group length tag (0002,0000) in explicit VR.
	if meta[0] != 0x02 || meta[1] != 0x00 || meta[2] != 0x00 || meta[3] != 0x00 {
		t.Fatalf("unexpected leading tag: % X", meta[:4])
	}
	if string(meta[4:6]) != "UL" {
		t.Fatalf("group length vr = %q", string(meta[4:6]))
	}
}
