package message

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	ErrEmptyMethodName = errors.New("empty method name")
	ErrEmptyRequestID  = errors.New("empty request id")
	ErrInvalidJSON     = errors.New("body is not valid json")
)

// MethodRequest is a cloud-invoked method delivered to the device.
type MethodRequest struct {
	Name      string
	RequestID string
	Body      []byte
}

// MethodResponse answers exactly one MethodRequest, matched by RequestID.
type MethodResponse struct {
	RequestID string
	Status    int
	Body      []byte
}

func (r *MethodRequest) Validate() error {
	if r.Name == "" {
		return ErrEmptyMethodName
	}
	if r.RequestID == "" {
		return ErrEmptyRequestID
	}
	return ValidateJSON(r.Body)
}

func (r *MethodResponse) Validate() error {
	if r.RequestID == "" {
		return ErrEmptyRequestID
	}
	return ValidateJSON(r.Body)
}

// ValidateJSON accepts an empty body or a well-formed JSON document.
func ValidateJSON(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if !sonic.Valid(b) {
		return ErrInvalidJSON
	}
	return nil
}

// NewMethodResponse marshals v with sonic as the response body.
func NewMethodResponse(requestID string, status int, v any) (*MethodResponse, error) {
	var body []byte
	if v != nil {
		var err error
		body, err = sonic.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal method response: %w", err)
		}
	}
	return &MethodResponse{
		RequestID: requestID,
		Status:    status,
		Body:      body,
	}, nil
}
