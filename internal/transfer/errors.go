package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrNotFound            = errors.New("remote file not found")
	ErrChecksumUnsupported = errors.New("remote checksum not supported")
	ErrPoolClosed          = errors.New("transfer pool closed")
)

// Kind classifies transfer failures.
type Kind int

const (
	ConnectionLost Kind = iota
	AuthFailure
	RemoteIOFailure
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConnectionLost:
		return "ConnectionLost"
	case AuthFailure:
		return "AuthFailure"
	case RemoteIOFailure:
		return "RemoteIOFailure"
	case Timeout:
		return "Timeout"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable is false only for AuthFailure; bad credentials do not fix themselves.
func (e *Error) Retryable() bool {
	return e.Kind != AuthFailure
}

// IsAuthFailure reports whether err carries an AuthFailure anywhere in its chain.
func IsAuthFailure(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == AuthFailure
}

// KindOf returns the kind of a transfer error.
func KindOf(err error) (Kind, bool) {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind, true
	}
	return 0, false
}

var authErrorCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"TokenRefreshRequired":  true,
}

// Classify wraps err as an *Error. ctx is the context the operation ran
// under; a deadline on it turns the failure into a Timeout even when the
// underlying error is only a closed connection.
func Classify(ctx context.Context, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var terr *Error
	if errors.As(err, &terr) {
		return err
	}
	return &Error{Kind: kindFor(ctx, err), Op: op, Path: path, Err: err}
}

func kindFor(ctx context.Context, err error) Kind {
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return ConnectionLost
	}

	// ssh handshake and host verification
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return AuthFailure
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return AuthFailure
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return AuthFailure
	}

	// s3
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if authErrorCodes[apiErr.ErrorCode()] {
			return AuthFailure
		}
		if apiErr.ErrorCode() == "RequestTimeout" {
			return Timeout
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return AuthFailure
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return Timeout
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ConnectionLost
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ConnectionLost
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ConnectionLost
	}

	return RemoteIOFailure
}

// destroysConnection reports whether the connection behind a failed
// operation must be discarded rather than returned to the pool.
func destroysConnection(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == AuthFailure || kind == ConnectionLost || kind == Timeout
}
