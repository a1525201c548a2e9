package shareprice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

type HttpChannelSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultHttpChannelSettings() *HttpChannelSettings {
	return &HttpChannelSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func (self *HttpChannelSettings) client() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: self.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: self.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.HttpTimeout,
	}
}

// HttpChannel is the stateless request/response channel for queries and mutations.
type HttpChannel struct {
	url         string
	credentials *Credentials
	client      *http.Client
}

func NewHttpChannelWithDefaults(url string, credentials *Credentials) *HttpChannel {
	return NewHttpChannel(url, credentials, DefaultHttpChannelSettings())
}

func NewHttpChannel(url string, credentials *Credentials, settings *HttpChannelSettings) *HttpChannel {
	return &HttpChannel{
		url:         url,
		credentials: credentials,
		client:      settings.client(),
	}
}

// Do makes a single round trip. GraphQL errors are returned in the result,
// the error is set only when there is no GraphQL response to return.
func (self *HttpChannel) Do(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error) {
	requestBodyBytes, err := json.Marshal(newOperationPayload(operation, variables))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", self.url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	self.credentials.attach(req)

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	self.credentials.update(r)

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	decodeErr := json.Unmarshal(responseBodyBytes, result)

	if http.StatusOK != r.StatusCode {
		// graphql servers answer validation and auth failures with a non-200 and a graphql body
		if decodeErr == nil && (0 < len(result.Errors) || result.HasData()) {
			glog.V(2).Infof("[h]%s status=%d errors=%d\n", operation, r.StatusCode, len(result.Errors))
			return result, nil
		}
		// otherwise the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		return nil, fmt.Errorf("Http %d: %w", r.StatusCode, errors.New(errorMessage))
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("Decode response: %w", decodeErr)
	}

	glog.V(2).Infof("[h]%s errors=%d\n", operation, len(result.Errors))
	return result, nil
}
