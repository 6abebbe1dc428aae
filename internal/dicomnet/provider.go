package dicomnet

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/xrayvision/backend/pkg/logger"
)

// StoreCallback handles one received composite instance. The returned value
// is the DIMSE status sent back in the C-STORE response.
type StoreCallback func(sopClassUID, sopInstanceUID, transferSyntaxUID string, data []byte) uint16

// ProviderParams configures the storage SCP.
type ProviderParams struct {
	AETitle          string
	StorageClasses   []string
	TransferSyntaxes []string
}

// Provider is a DICOM storage service class provider: it accepts
// associations, answers C-ECHO and hands every received C-STORE payload to
// the callback. Unsupported presentation contexts are refused per-context,
// never by dropping the connection.
type Provider struct {
	params  ProviderParams
	onStore StoreCallback
	allowed map[string]bool
}

func NewProvider(params ProviderParams, onStore StoreCallback) *Provider {
	if len(params.TransferSyntaxes) == 0 {
		params.TransferSyntaxes = []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
	}
	allowed := map[string]bool{VerificationSOPClass: true}
	for _, sc := range params.StorageClasses {
		allowed[sc] = true
	}
	return &Provider{params: params, onStore: onStore, allowed: allowed}
}

// ListenAndServe accepts associations until the context is cancelled.
func (p *Provider) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("DICOM listener started",
		zap.String("addr", addr),
		zap.String("ae_title", p.params.AETitle),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go p.handleConn(conn)
	}
}

func (p *Provider) handleConn(conn net.Conn) {
	defer conn.Close()

	a, err := acceptAssociation(conn, p.params.AETitle, p.allowed, p.params.TransferSyntaxes)
	if err != nil {
		logger.Warn("Association negotiation failed",
			zap.String("peer", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}

	logger.Debug("Association established",
		zap.String("peer_ae", a.peerAE),
		zap.Int("contexts", len(a.accepted)),
	)

	for {
		msg, err := a.readMessage()
		if errors.Is(err, ErrReleased) {
			logger.Debug("Association released", zap.String("peer_ae", a.peerAE))
			return
		}
		if err != nil {
			logger.Warn("Association terminated",
				zap.String("peer_ae", a.peerAE),
				zap.Error(err),
			)
			return
		}
		if err := p.dispatch(a, msg); err != nil {
			logger.Error("Failed to handle DIMSE message", zap.Error(err))
			return
		}
	}
}

func (p *Provider) dispatch(a *assoc, msg *message) error {
	cmdField, _ := msg.command.GetUint16(TagCommandField)
	msgID, _ := msg.command.GetUint16(TagMessageID)

	switch cmdField {
	case cmdCEchoRQ:
		rsp := NewDataset()
		rsp.SetUID(TagAffectedSOPClassUID, VerificationSOPClass)
		rsp.SetUint16(TagCommandField, cmdCEchoRSP)
		rsp.SetUint16(TagMessageIDRespondedTo, msgID)
		rsp.SetUint16(TagCommandDataSetType, dataSetAbsent)
		rsp.SetUint16(TagStatus, StatusSuccess)
		return a.writeMessage(msg.contextID, rsp, nil)

	case cmdCStoreRQ:
		sopClass, _ := msg.command.GetString(TagAffectedSOPClassUID)
		sopInstance, _ := msg.command.GetString(TagAffectedSOPInstanceUID)
		ctx := a.accepted[msg.contextID]

		status := StatusCannotUnderstand
		if p.onStore != nil && msg.data != nil {
			status = p.onStore(sopClass, sopInstance, ctx.transferSyntax, msg.data)
		}

		rsp := NewDataset()
		rsp.SetUID(TagAffectedSOPClassUID, sopClass)
		rsp.SetUint16(TagCommandField, cmdCStoreRSP)
		rsp.SetUint16(TagMessageIDRespondedTo, msgID)
		rsp.SetUint16(TagCommandDataSetType, dataSetAbsent)
		rsp.SetUint16(TagStatus, status)
		rsp.SetUID(TagAffectedSOPInstanceUID, sopInstance)
		return a.writeMessage(msg.contextID, rsp, nil)

	default:
		// Unknown operation: refuse it without tearing the association down.
		rsp := NewDataset()
		rsp.SetUint16(TagCommandField, cmdField|0x8000)
		rsp.SetUint16(TagMessageIDRespondedTo, msgID)
		rsp.SetUint16(TagCommandDataSetType, dataSetAbsent)
		rsp.SetUint16(TagStatus, StatusSOPClassNotSupported)
		return a.writeMessage(msg.contextID, rsp, nil)
	}
}
