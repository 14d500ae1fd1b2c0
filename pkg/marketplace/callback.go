package marketplace

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	callbackRootPath          = "Body.stkCallback"
	callbackMerchantPath      = "MerchantRequestID"
	callbackCheckoutPath      = "CheckoutRequestID"
	callbackResultCodePath    = "ResultCode"
	callbackResultDescPath    = "ResultDesc"
	callbackMetadataItemsPath = "CallbackMetadata.Item"
)

// Callback is the correlation and result carried by an STK callback.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	ReceiptNumber     string
	Raw               string
}

// Succeeded reports whether the gateway settled the payment.
func (callback Callback) Succeeded() bool {
	return callback.ResultCode == ResultCodeSuccess
}

// ParseCallback extracts the callback fields. ResultCode may arrive as a JSON
// number or string; both normalize to its decimal text. The receipt is matched
// by item name, never by position.
func ParseCallback(raw []byte) (Callback, error) {
	if !gjson.ValidBytes(raw) {
		return Callback{}, fmt.Errorf("%w: body is not json", ErrMalformedCallback)
	}
	root := gjson.GetBytes(raw, callbackRootPath)
	if !root.IsObject() {
		return Callback{}, fmt.Errorf("%w: missing %s", ErrMalformedCallback, callbackRootPath)
	}
	callback := Callback{
		MerchantRequestID: strings.TrimSpace(root.Get(callbackMerchantPath).String()),
		CheckoutRequestID: strings.TrimSpace(root.Get(callbackCheckoutPath).String()),
		ResultDesc:        strings.TrimSpace(root.Get(callbackResultDescPath).String()),
		Raw:               string(raw),
	}
	if callback.MerchantRequestID == "" || callback.CheckoutRequestID == "" {
		return Callback{}, fmt.Errorf("%w: missing correlation ids", ErrMalformedCallback)
	}
	resultCode := root.Get(callbackResultCodePath)
	if !resultCode.Exists() || strings.TrimSpace(resultCode.String()) == "" {
		return Callback{}, fmt.Errorf("%w: missing result code", ErrMalformedCallback)
	}
	callback.ResultCode = strings.TrimSpace(resultCode.String())
	receiptPath := fmt.Sprintf(`%s.#(Name==%q).Value`, callbackMetadataItemsPath, ReceiptItemName)
	callback.ReceiptNumber = strings.TrimSpace(root.Get(receiptPath).String())
	return callback, nil
}
