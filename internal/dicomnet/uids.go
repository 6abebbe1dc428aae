package dicomnet

// SOP class and transfer syntax UIDs the pipeline depends on. Only
// uncompressed little-endian syntaxes are negotiated so pixel data can be
// decoded natively.
const (
	VerificationSOPClass          = "1.2.840.10008.1.1"
	CRImageStorage                = "1.2.840.10008.5.1.4.1.1.1"
	DXImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"

	PatientRootQRFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQRMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQRGet  = "1.2.840.10008.5.1.4.1.2.1.3"

	StudyRootQRFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQRMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQRGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	applicationContextName = "1.2.840.10008.3.1.1.1"
	implementationClassUID = "1.2.826.0.1.3680043.10.543.1"
	implementationVersion  = "XRAYVISION_GO"
)

// DIMSE command field values.
const (
	cmdCStoreRQ  = 0x0001
	cmdCStoreRSP = 0x8001
	cmdCGetRQ    = 0x0010
	cmdCGetRSP   = 0x8010
	cmdCFindRQ   = 0x0020
	cmdCFindRSP  = 0x8020
	cmdCMoveRQ   = 0x0021
	cmdCMoveRSP  = 0x8021
	cmdCEchoRQ   = 0x0030
	cmdCEchoRSP  = 0x8030
)

// DIMSE status values.
const (
	StatusSuccess              uint16 = 0x0000
	StatusPending              uint16 = 0xFF00
	StatusPendingWarning       uint16 = 0xFF01
	StatusOutOfResources       uint16 = 0xA700
	StatusSOPClassNotSupported uint16 = 0x0122
	StatusCannotUnderstand     uint16 = 0xC000
	StatusProcessingFailure    uint16 = 0x0110
)

const (
	dataSetPresent uint16 = 0x0000
	dataSetAbsent  uint16 = 0x0101
)
