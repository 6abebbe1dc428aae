package dicomnet

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/xrayvision/backend/pkg/logger"
)

// ServiceUser is the client side of the query/retrieve operations: C-FIND
// to discover studies, C-MOVE to have the archive push them to our AE, and
// C-GET to pull them over the same association.
type ServiceUser struct {
	a         *assoc
	callingAE string
	calledAE  string
	msgID     uint16
}

// Connect establishes an association with the remote AE, negotiating the
// query/retrieve classes plus the storage classes so that C-GET
// sub-operations can be received.
func Connect(ctx context.Context, addr, callingAE, calledAE string, storageClasses []string) (*ServiceUser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// Query identifiers are encoded implicit VR little endian, so the
	// query/retrieve models negotiate only that syntax. Instance bytes from
	// C-GET sub-operations are handed to the callback unparsed, so the
	// storage contexts can take either syntax.
	contexts := []proposedContext{
		{abstractSyntax: StudyRootQRFind, transferSyntaxes: []string{ImplicitVRLittleEndian}},
		{abstractSyntax: StudyRootQRMove, transferSyntaxes: []string{ImplicitVRLittleEndian}},
		{abstractSyntax: StudyRootQRGet, transferSyntaxes: []string{ImplicitVRLittleEndian}},
	}
	var roles []roleSelection
	for _, sc := range storageClasses {
		contexts = append(contexts, proposedContext{
			abstractSyntax:   sc,
			transferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian},
		})
		roles = append(roles, roleSelection{sopClassUID: sc, scuRole: 0, scpRole: 1})
	}

	a, err := requestAssociation(conn, callingAE, calledAE, contexts, roles)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	logger.Debug("Association established with remote AE",
		zap.String("peer_ae", calledAE),
		zap.String("addr", addr),
	)
	return &ServiceUser{a: a, callingAE: callingAE, calledAE: calledAE}, nil
}

func (u *ServiceUser) nextMessageID() uint16 {
	u.msgID++
	return u.msgID
}

// StudyFilter builds a study-level query identifier.
func StudyFilter(modality, studyDate string) *Dataset {
	d := NewDataset()
	d.SetString(TagStudyDate, studyDate)
	d.SetString(TagQueryRetrieveLvl, "STUDY")
	d.SetString(TagModality, modality)
	d.SetString(TagPatientID, "")
	d.SetUID(TagStudyInstanceUID, "")
	return d
}

// Find runs a study-level C-FIND and returns the matching identifiers.
func (u *ServiceUser) Find(filter *Dataset) ([]*Dataset, error) {
	ctxID, ok := u.a.contextFor(StudyRootQRFind)
	if !ok {
		return nil, fmt.Errorf("peer did not accept the query model")
	}

	cmd := NewDataset()
	cmd.SetUID(TagAffectedSOPClassUID, StudyRootQRFind)
	cmd.SetUint16(TagCommandField, cmdCFindRQ)
	cmd.SetUint16(TagMessageID, u.nextMessageID())
	cmd.SetUint16(TagPriority, 0)
	cmd.SetUint16(TagCommandDataSetType, dataSetPresent)

	if err := u.a.writeMessage(ctxID, cmd, filter.Encode()); err != nil {
		return nil, fmt.Errorf("failed to send c-find: %w", err)
	}

	var matches []*Dataset
	for {
		msg, err := u.a.readMessage()
		if err != nil {
			return matches, fmt.Errorf("c-find interrupted: %w", err)
		}
		status, _ := msg.command.GetUint16(TagStatus)
		switch {
		case status == StatusPending || status == StatusPendingWarning:
			if msg.data != nil {
				identifier, err := DecodeDataset(msg.data)
				if err != nil {
					return matches, fmt.Errorf("malformed c-find identifier: %w", err)
				}
				matches = append(matches, identifier)
			}
		case status == StatusSuccess:
			return matches, nil
		default:
			return matches, fmt.Errorf("c-find failed with status 0x%04X", status)
		}
	}
}

// Move asks the archive to push one study to the named destination AE.
func (u *ServiceUser) Move(destinationAE, studyInstanceUID string) error {
	ctxID, ok := u.a.contextFor(StudyRootQRMove)
	if !ok {
		return fmt.Errorf("peer did not accept the move model")
	}

	cmd := NewDataset()
	cmd.SetUID(TagAffectedSOPClassUID, StudyRootQRMove)
	cmd.SetUint16(TagCommandField, cmdCMoveRQ)
	cmd.SetUint16(TagMessageID, u.nextMessageID())
	cmd.SetString(TagMoveDestination, destinationAE)
	cmd.SetUint16(TagPriority, 0)
	cmd.SetUint16(TagCommandDataSetType, dataSetPresent)

	identifier := NewDataset()
	identifier.SetString(TagQueryRetrieveLvl, "STUDY")
	identifier.SetUID(TagStudyInstanceUID, studyInstanceUID)

	if err := u.a.writeMessage(ctxID, cmd, identifier.Encode()); err != nil {
		return fmt.Errorf("failed to send c-move: %w", err)
	}

	for {
		msg, err := u.a.readMessage()
		if err != nil {
			return fmt.Errorf("c-move interrupted: %w", err)
		}
		status, _ := msg.command.GetUint16(TagStatus)
		switch {
		case status == StatusPending || status == StatusPendingWarning:
			continue
		case status == StatusSuccess:
			logger.Debug("C-MOVE completed", zap.String("study", studyInstanceUID))
			return nil
		default:
			return fmt.Errorf("c-move failed with status 0x%04X", status)
		}
	}
}

// Get pulls one study over the current association. Incoming C-STORE
// sub-operations are handed to the callback and acknowledged.
func (u *ServiceUser) Get(studyInstanceUID string, onStore StoreCallback) error {
	ctxID, ok := u.a.contextFor(StudyRootQRGet)
	if !ok {
		return fmt.Errorf("peer did not accept the get model")
	}

	cmd := NewDataset()
	cmd.SetUID(TagAffectedSOPClassUID, StudyRootQRGet)
	cmd.SetUint16(TagCommandField, cmdCGetRQ)
	cmd.SetUint16(TagMessageID, u.nextMessageID())
	cmd.SetUint16(TagPriority, 0)
	cmd.SetUint16(TagCommandDataSetType, dataSetPresent)

	identifier := NewDataset()
	identifier.SetString(TagQueryRetrieveLvl, "STUDY")
	identifier.SetUID(TagStudyInstanceUID, studyInstanceUID)

	if err := u.a.writeMessage(ctxID, cmd, identifier.Encode()); err != nil {
		return fmt.Errorf("failed to send c-get: %w", err)
	}

	for {
		msg, err := u.a.readMessage()
		if err != nil {
			return fmt.Errorf("c-get interrupted: %w", err)
		}

		cmdField, _ := msg.command.GetUint16(TagCommandField)
		if cmdField == cmdCStoreRQ {
			sopClass, _ := msg.command.GetString(TagAffectedSOPClassUID)
			sopInstance, _ := msg.command.GetString(TagAffectedSOPInstanceUID)
			subMsgID, _ := msg.command.GetUint16(TagMessageID)
			storeCtx := u.a.accepted[msg.contextID]

			status := StatusCannotUnderstand
			if onStore != nil && msg.data != nil {
				status = onStore(sopClass, sopInstance, storeCtx.transferSyntax, msg.data)
			}

			rsp := NewDataset()
			rsp.SetUID(TagAffectedSOPClassUID, sopClass)
			rsp.SetUint16(TagCommandField, cmdCStoreRSP)
			rsp.SetUint16(TagMessageIDRespondedTo, subMsgID)
			rsp.SetUint16(TagCommandDataSetType, dataSetAbsent)
			rsp.SetUint16(TagStatus, status)
			rsp.SetUID(TagAffectedSOPInstanceUID, sopInstance)
			if err := u.a.writeMessage(msg.contextID, rsp, nil); err != nil {
				return fmt.Errorf("failed to acknowledge sub-operation: %w", err)
			}
			continue
		}

		status, _ := msg.command.GetUint16(TagStatus)
		switch {
		case status == StatusPending || status == StatusPendingWarning:
			continue
		case status == StatusSuccess:
			logger.Debug("C-GET completed", zap.String("study", studyInstanceUID))
			return nil
		default:
			return fmt.Errorf("c-get failed with status 0x%04X", status)
		}
	}
}

// Release gracefully ends the association and closes the connection.
func (u *ServiceUser) Release() error {
	err := u.a.release()
	u.a.close()
	return err
}
