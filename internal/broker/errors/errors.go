package errors

import sterrors "errors"

var (
	ErrPipelineRequired     = sterrors.New("labflow: results pipeline is required")
	ErrLedgerStoreRequired  = sterrors.New("labflow: ledger store is required")
	ErrInstrumentIDRequired = sterrors.New("labflow: instrument id is required")
	ErrListenAddrRequired   = sterrors.New("labflow: listen address is required")
	ErrUnknownProtocol      = sterrors.New("labflow: unknown protocol kind")
	ErrSessionClosed        = sterrors.New("labflow: instrument session is closed")
	ErrServiceStopped       = sterrors.New("labflow: service is stopped")
)
