package http1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/bytedance/sonic"
)

const (
	maxBlobNameLen      = 1024
	maxBlobPathSegments = 254
)

var (
	ErrEmptyBlobName    = errors.New("http1: empty blob name")
	ErrBlobNameTooLong  = errors.New("http1: blob name longer than 1024 characters")
	ErrBlobNameTooDeep  = errors.New("http1: blob name has more than 254 path segments")
	ErrNilBlobSource    = errors.New("http1: nil blob source")
	ErrMalformedSASInfo = errors.New("http1: malformed upload target")
)

// ValidateBlobName checks the hub's limits on blob names.
func ValidateBlobName(name string) error {
	switch {
	case name == "":
		return ErrEmptyBlobName
	case len(name) > maxBlobNameLen:
		return ErrBlobNameTooLong
	case strings.Count(name, "/")+1 > maxBlobPathSegments:
		return ErrBlobNameTooDeep
	}
	return nil
}

type uploadTarget struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SASToken      string `json:"sasToken"`
}

type uploadNotification struct {
	CorrelationID     string `json:"correlationId"`
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}

// FileUploader stores blobs through the hub's file upload flow: request a SAS
// target, PUT the blob, then notify the hub of the outcome.
type FileUploader struct {
	h *Handler
}

func NewFileUploader(cs *auth.ConnectionString, s transport.Settings, l *slog.Logger, opts ...Option) (*FileUploader, error) {
	h, err := New(transport.Params{Conn: cs, Settings: s, Logger: l}, opts...)
	if err != nil {
		return nil, err
	}
	return &FileUploader{h: h}, nil
}

func (u *FileUploader) UploadBlob(ctx context.Context, name string, r io.Reader) error {
	if err := ValidateBlobName(name); err != nil {
		return err
	}
	if r == nil {
		return ErrNilBlobSource
	}

	target, err := u.requestTarget(ctx, name)
	if err != nil {
		return err
	}

	putErr := u.put(ctx, target, r)

	n := uploadNotification{
		CorrelationID:     target.CorrelationID,
		IsSuccess:         putErr == nil,
		StatusCode:        http.StatusOK,
		StatusDescription: "ok",
	}
	if putErr != nil {
		n.StatusCode = http.StatusInternalServerError
		n.StatusDescription = putErr.Error()
		var se *StatusError
		if errors.As(putErr, &se) {
			n.StatusCode = se.Code
		}
	}

	if err := u.notify(ctx, n); err != nil {
		if putErr != nil {
			return errors.Join(putErr, err)
		}
		return err
	}
	return putErr
}

func (u *FileUploader) requestTarget(ctx context.Context, name string) (*uploadTarget, error) {
	body, err := sonic.Marshal(map[string]string{"blobName": name})
	if err != nil {
		return nil, fmt.Errorf("http1: marshal upload request: %w", err)
	}

	hdr := http.Header{}
	hdr.Set(hdrContentType, "application/json")
	resp, err := u.h.do(ctx, "upload target", http.MethodPost, u.h.url("/files"), bytes.NewReader(body), hdr)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("upload target", resp)
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("http1: read upload target: %w", err)
	}

	var t uploadTarget
	if err := sonic.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("http1: decode upload target: %w", err)
	}
	if t.HostName == "" || t.ContainerName == "" || t.BlobName == "" {
		return nil, ErrMalformedSASInfo
	}
	return &t, nil
}

func (u *FileUploader) blobURL(t *uploadTarget) string {
	scheme := "https"
	if base, err := url.Parse(u.h.baseURL); err == nil && base.Scheme != "" {
		scheme = base.Scheme
	}
	return scheme + "://" + t.HostName + "/" + url.PathEscape(t.ContainerName) + "/" + t.BlobName + t.SASToken
}

func (u *FileUploader) put(ctx context.Context, t *uploadTarget, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.blobURL(t), r)
	if err != nil {
		return fmt.Errorf("http1: blob request: %w", err)
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := u.h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http1: put blob: %w", err)
	}
	return expect("put blob", resp, http.StatusCreated, http.StatusOK)
}

func (u *FileUploader) notify(ctx context.Context, n uploadNotification) error {
	body, err := sonic.Marshal(n)
	if err != nil {
		return fmt.Errorf("http1: marshal upload notification: %w", err)
	}

	hdr := http.Header{}
	hdr.Set(hdrContentType, "application/json")
	resp, err := u.h.do(ctx, "upload notification", http.MethodPost, u.h.url("/files/notifications"), bytes.NewReader(body), hdr)
	if err != nil {
		return err
	}
	return expect("upload notification", resp, http.StatusNoContent, http.StatusOK)
}

func (u *FileUploader) Close(ctx context.Context) error {
	return u.h.Close(ctx)
}
