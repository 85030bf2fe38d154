package server

// Reply codes in use on the control channel.
const (
	codeTransferStatusOkay    = 150
	codeCommandOkayInfo       = 200
	codeSystemStatus          = 211
	codeDirectoryStatus       = 212
	codeGreeting              = 220
	codeClosing               = 221
	codeDataClosedOkay        = 226
	codePassiveMode           = 227
	codeExtendedPassiveMode   = 229
	codeLoggedIn              = 230
	codeCommandOkay           = 250
	codePathCreated           = 257
	codeNeedPassword          = 331
	codePendingFurtherInfo    = 350
	codeServiceUnavailable    = 421
	codeCantOpenDataConn      = 425
	codeDataCloseAborted      = 426
	codeActionNotOkay         = 450
	codeCommandUnrecognised   = 500
	codeSyntaxError           = 501
	codeNotImplemented        = 502
	codeBadCommandSequence    = 503
	codeParameterNotSupported = 504
	codeNotLoggedIn           = 530
	codeProtocolNotSupported  = 536
	codeActionFailed          = 550
	codeBadFilename           = 553
)
