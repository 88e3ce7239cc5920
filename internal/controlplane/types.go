package controlplane

import (
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/region"
	"github.com/openmined/regionsync/internal/regionsync"
)

const (
	CodeOk               = "OK"
	ErrCodeBadRequest    = "ERR_BAD_REQUEST"
	ErrCodeUnsupported   = "ERR_UNSUPPORTED_MEDIA_TYPE"
	ErrCodeUnauthorized  = "ERR_UNAUTHORIZED"
	ErrCodeNotFound      = "ERR_NOT_FOUND"
	ErrCodeHalted        = "ERR_PIPELINE_HALTED"
	ErrCodeUnknownError  = "ERR_UNKNOWN_ERROR"
	ErrCodeRateLimited   = "ERR_RATE_LIMITED"
	ErrCodeNotConfigured = "ERR_NOT_CONFIGURED"
)

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Message   string `json:"error"`
}

func (e *ControlPlaneError) Error() string {
	return e.ErrorCode + ": " + e.Message
}

type StatusResponse struct {
	Status    string             `json:"status"`
	Timestamp string             `json:"timestamp"`
	Version   string             `json:"version"`
	Revision  string             `json:"revision"`
	BuildDate string             `json:"buildDate"`
	Summary   regionsync.Summary `json:"summary"`
}

type RegionResponse struct {
	Entry *ledger.Entry `json:"entry"`
}

type CompletedResponse struct {
	Code  string       `json:"code"`
	Key   region.Key   `json:"key"`
	State ledger.State `json:"state"`
}

type FailedResponse struct {
	Entries []*ledger.Entry `json:"entries"`
}

type CountResponse struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}
