package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	timestampLayout      = "20060102150405"
	maxResponseBytes     = 1 << 20
	stillProcessingCode  = "500.001.1001"
	responseCodeAccepted = "0"
	contentTypeJSON      = "application/json"
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	bearerPrefix         = "Bearer "
	accessTokenField     = "access_token"
	responseCodeField    = "ResponseCode"
	responseDescField    = "ResponseDescription"
	customerMessageField = "CustomerMessage"
	merchantRequestField = "MerchantRequestID"
	checkoutRequestField = "CheckoutRequestID"
	resultCodeField      = "ResultCode"
	resultDescField      = "ResultDesc"
	errorCodeField       = "errorCode"
	errorMessageField    = "errorMessage"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithClock overrides the timestamp source used for push passwords.
func WithClock(now func() time.Time) ClientOption {
	return func(client *Client) {
		if now != nil {
			client.nowFn = now
		}
	}
}

// WithLogger wires a zap logger for gateway diagnostics.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// Client talks to the Daraja OAuth and STK push endpoints. A fresh access
// token is fetched for every push.
type Client struct {
	config     Config
	httpClient *http.Client
	nowFn      func() time.Time
	logger     *zap.Logger
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// NewClient validates the configuration and builds a Client.
func NewClient(config Config, options ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := &Client{
		config:     config,
		httpClient: http.DefaultClient,
		nowFn:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Password derives the STK password for a timestamp.
func Password(shortCode string, passKey string, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// AccessToken exchanges the consumer key and secret for a bearer token.
func (client *Client) AccessToken(ctx context.Context) (string, error) {
	if !client.config.credentialsConfigured() {
		return "", marketplace.ErrMisconfiguredCredentials
	}
	requestCtx, cancel := context.WithTimeout(ctx, client.config.TokenTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, client.config.AuthURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build token request: %v", marketplace.ErrGatewayUnavailable, err)
	}
	request.SetBasicAuth(client.config.ConsumerKey, client.config.ConsumerSecret)
	statusCode, body, err := client.do(request)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", marketplace.ErrGatewayUnavailable, err)
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%w: token endpoint returned %d", marketplace.ErrGatewayUnavailable, statusCode)
	}
	token := strings.TrimSpace(gjson.GetBytes(body, accessTokenField).String())
	if token == "" {
		return "", fmt.Errorf("%w: token response without %s", marketplace.ErrGatewayUnavailable, accessTokenField)
	}
	return token, nil
}

// InitiatePush sends an STK push. A non-zero ResponseCode is a definitive
// rejection and is never retried here.
func (client *Client) InitiatePush(ctx context.Context, pushRequest marketplace.PushRequest) (marketplace.PushResult, error) {
	if pushRequest.AmountUnits <= 0 {
		return marketplace.PushResult{}, fmt.Errorf("%w: %d", marketplace.ErrInvalidAmount, pushRequest.AmountUnits)
	}
	if pushRequest.Phone.IsZero() {
		return marketplace.PushResult{}, marketplace.ErrInvalidPhone
	}
	if !client.config.credentialsConfigured() {
		return marketplace.PushResult{}, marketplace.ErrMisconfiguredCredentials
	}
	timestamp := client.nowFn().UTC().Format(timestampLayout)
	requestBody, err := json.Marshal(pushPayload{
		BusinessShortCode: client.config.ShortCode,
		Password:          Password(client.config.ShortCode, client.config.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   client.config.TransactionType,
		Amount:            pushRequest.AmountUnits,
		PartyA:            pushRequest.Phone.Digits(),
		PartyB:            client.config.ShortCode,
		PhoneNumber:       pushRequest.Phone.Digits(),
		CallBackURL:       pushRequest.CallbackURL,
		AccountReference:  pushRequest.AccountReference,
		TransactionDesc:   pushRequest.Description,
	})
	if err != nil {
		return marketplace.PushResult{}, fmt.Errorf("%w: encode push: %v", marketplace.ErrGatewayUnavailable, err)
	}
	result := marketplace.PushResult{RequestPayload: string(requestBody)}

	token, err := client.AccessToken(ctx)
	if err != nil {
		return result, err
	}
	statusCode, responseBody, err := client.postJSON(ctx, client.config.PushURL, token, requestBody, client.config.PushTimeout)
	if err != nil {
		return result, fmt.Errorf("%w: push request: %v", marketplace.ErrGatewayUnavailable, err)
	}
	result.ResponsePayload = string(responseBody)
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		client.logger.Warn("stk push http failure",
			zap.Int("status", statusCode),
			zap.String("error_code", gjson.GetBytes(responseBody, errorCodeField).String()),
			zap.String("error_message", gjson.GetBytes(responseBody, errorMessageField).String()))
		return result, fmt.Errorf("%w: push endpoint returned %d", marketplace.ErrGatewayUnavailable, statusCode)
	}
	parsed := gjson.ParseBytes(responseBody)
	result.ResponseCode = strings.TrimSpace(parsed.Get(responseCodeField).String())
	result.ResponseDescription = parsed.Get(responseDescField).String()
	result.CustomerMessage = parsed.Get(customerMessageField).String()
	result.MerchantRequestID = strings.TrimSpace(parsed.Get(merchantRequestField).String())
	result.CheckoutRequestID = strings.TrimSpace(parsed.Get(checkoutRequestField).String())
	if result.ResponseCode != responseCodeAccepted {
		return result, fmt.Errorf("%w: response code %q: %s", marketplace.ErrGatewayRejected, result.ResponseCode, result.ResponseDescription)
	}
	if result.MerchantRequestID == "" || result.CheckoutRequestID == "" {
		return result, marketplace.ErrGatewayResponseIncomplete
	}
	return result, nil
}

// QueryPush asks Daraja for the outcome of an earlier push.
func (client *Client) QueryPush(ctx context.Context, checkoutRequestID string) (marketplace.PushQueryResult, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return marketplace.PushQueryResult{}, errors.New("checkout request id is required")
	}
	if !client.config.credentialsConfigured() {
		return marketplace.PushQueryResult{}, marketplace.ErrMisconfiguredCredentials
	}
	timestamp := client.nowFn().UTC().Format(timestampLayout)
	requestBody, err := json.Marshal(queryPayload{
		BusinessShortCode: client.config.ShortCode,
		Password:          Password(client.config.ShortCode, client.config.PassKey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return marketplace.PushQueryResult{}, err
	}
	token, err := client.AccessToken(ctx)
	if err != nil {
		return marketplace.PushQueryResult{}, err
	}
	statusCode, responseBody, err := client.postJSON(ctx, client.config.QueryURL, token, requestBody, client.config.PushTimeout)
	if err != nil {
		return marketplace.PushQueryResult{}, fmt.Errorf("%w: query request: %v", marketplace.ErrGatewayUnavailable, err)
	}
	parsed := gjson.ParseBytes(responseBody)
	resultCode := parsed.Get(resultCodeField)
	if resultCode.Exists() && strings.TrimSpace(resultCode.String()) != "" {
		return marketplace.PushQueryResult{
			Final:      true,
			ResultCode: strings.TrimSpace(resultCode.String()),
			ResultDesc: parsed.Get(resultDescField).String(),
			Payload:    string(responseBody),
		}, nil
	}
	if parsed.Get(errorCodeField).String() == stillProcessingCode {
		return marketplace.PushQueryResult{Payload: string(responseBody)}, nil
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return marketplace.PushQueryResult{}, fmt.Errorf("%w: query endpoint returned %d", marketplace.ErrGatewayUnavailable, statusCode)
	}
	return marketplace.PushQueryResult{Payload: string(responseBody)}, nil
}

func (client *Client) postJSON(ctx context.Context, url string, token string, body []byte, timeout time.Duration) (int, []byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set(headerAuthorization, bearerPrefix+token)
	request.Header.Set(headerContentType, contentTypeJSON)
	return client.do(request)
}

func (client *Client) do(request *http.Request) (int, []byte, error) {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return response.StatusCode, nil, err
	}
	return response.StatusCode, body, nil
}
