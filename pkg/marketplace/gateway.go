package marketplace

import "context"

// PushRequest asks the gateway to prompt a customer's handset for payment.
type PushRequest struct {
	AmountUnits      int64
	Phone            CanonicalPhone
	AccountReference string
	Description      string
	CallbackURL      string
}

// PushResult is the gateway's synchronous answer to a push. RequestPayload is
// always populated once the request was built, ResponsePayload whenever the
// gateway answered.
type PushResult struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
	RequestPayload      string
	ResponsePayload     string
}

// PushQueryResult reports the gateway's view of an earlier push.
type PushQueryResult struct {
	Final      bool
	ResultCode string
	ResultDesc string
	Payload    string
}

// Gateway initiates and queries STK pushes.
//
// InitiatePush returns ErrGatewayRejected when the gateway answered with a
// non-success code, ErrGatewayUnavailable for transport failures and timeouts,
// and ErrInvalidAmount or ErrMisconfiguredCredentials before any network call.
type Gateway interface {
	InitiatePush(ctx context.Context, request PushRequest) (PushResult, error)
	QueryPush(ctx context.Context, checkoutRequestID string) (PushQueryResult, error)
}
