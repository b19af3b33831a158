package iothub

import "fmt"

type AuthStatus uint8

const (
	NotAuthenticated AuthStatus = iota
	InitiateError
	Initiated
	Authenticated
)

func (s AuthStatus) String() string {
	switch s {
	case NotAuthenticated:
		return "NotAuthenticated"
	case InitiateError:
		return "InitiateError"
	case Initiated:
		return "Initiated"
	case Authenticated:
		return "Authenticated"
	}
	return fmt.Sprintf("AuthStatus(%d)", s)
}

// ConnectionStatus is reported by transport connection.
type ConnectionStatus uint8

const (
	ConnectionUnauthenticated ConnectionStatus = iota
	ConnectionAuthenticated
)

func (s ConnectionStatus) String() string {
	if s == ConnectionAuthenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// StatusReason explains ConnectionStatus change.
type StatusReason uint8

const (
	ReasonOK StatusReason = iota
	ReasonExpiredSASToken
	ReasonDeviceDisabled
	ReasonBadCredential
	ReasonRetryExpired
	ReasonNoNetwork
	ReasonCommunicationError
	ReasonNoPingResponse
)

func (r StatusReason) String() string {
	switch r {
	case ReasonOK:
		return "connection ok"
	case ReasonExpiredSASToken:
		return "SAS token expired"
	case ReasonDeviceDisabled:
		return "device disabled"
	case ReasonBadCredential:
		return "bad credential"
	case ReasonRetryExpired:
		return "retry expired"
	case ReasonNoNetwork:
		return "no network"
	case ReasonCommunicationError:
		return "communication error"
	case ReasonNoPingResponse:
		return "no ping response"
	}
	return fmt.Sprintf("unknown reason=%d", r)
}

// ProvisionResult classifies provisioning failure.
type ProvisionResult uint8

const (
	ProvisionOK ProvisionResult = iota
	ProvisionInvalidParam
	ProvisionNetworkNotReady
	ProvisionDeviceAuthNotReady
	ProvisionDeviceError
	ProvisionIotHubClientError
	ProvisionGenericError
)

func (r ProvisionResult) String() string {
	switch r {
	case ProvisionOK:
		return "ok"
	case ProvisionInvalidParam:
		return "invalid parameter"
	case ProvisionNetworkNotReady:
		return "network not ready"
	case ProvisionDeviceAuthNotReady:
		return "device auth not ready"
	case ProvisionDeviceError:
		return "provisioning device error"
	case ProvisionIotHubClientError:
		return "iothub client error"
	case ProvisionGenericError:
		return "generic error"
	}
	return fmt.Sprintf("unknown result=%d", r)
}

// ProvisionError is returned by Transport.Provision.
type ProvisionError struct {
	Result ProvisionResult
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err == nil {
		return "provision: " + e.Result.String()
	}
	return fmt.Sprintf("provision: %s: %v", e.Result.String(), e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Disposition is answer of message callback to the transport.
type Disposition uint8

const (
	DispositionAccepted Disposition = iota
	DispositionRejected
)

type ConfirmationResult uint8

const (
	ConfirmationOK ConfirmationResult = iota
	ConfirmationError
	ConfirmationTimeout
	ConfirmationDestroyed
)

func (r ConfirmationResult) String() string {
	switch r {
	case ConfirmationOK:
		return "ok"
	case ConfirmationError:
		return "error"
	case ConfirmationTimeout:
		return "timeout"
	case ConfirmationDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("unknown confirmation=%d", r)
}

type TwinUpdateState uint8

const (
	TwinComplete TwinUpdateState = iota
	TwinPartial
)
