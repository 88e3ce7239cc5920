package controlplane

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/region"
	"github.com/openmined/regionsync/internal/regionsync"
	"github.com/openmined/regionsync/internal/version"
)

// Service is the part of the coordinator exposed over HTTP.
type Service interface {
	OnRegionFileCompleted(ev region.Completed) error
	Entry(key region.Key) *ledger.Entry
	Summary() regionsync.Summary
	Failed() []*ledger.Entry
	RetryFailed() (int, error)
	ClearFinished() (int, error)
}

type handler struct {
	svc Service
}

// status
//
//	GET /v1/status
func (h *handler) status(c *gin.Context) {
	c.PureJSON(http.StatusOK, &StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
		Revision:  version.Revision,
		BuildDate: version.BuildDate,
		Summary:   h.svc.Summary(),
	})
}

// region returns the ledger entry of one region.
//
//	GET /v1/regions/:world/:dimension/:x/:z
func (h *handler) region(c *gin.Context) {
	x, errX := strconv.Atoi(c.Param("x"))
	z, errZ := strconv.Atoi(c.Param("z"))
	if errX != nil || errZ != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("region coordinates must be integers"))
		return
	}
	key := region.NewKey(c.Param("world"), c.Param("dimension"), x, z)
	if err := key.Validate(); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	entry := h.svc.Entry(key)
	if entry == nil {
		abortWithError(c, http.StatusNotFound, ErrCodeNotFound, fmt.Errorf("region %s is not tracked", key))
		return
	}
	c.PureJSON(http.StatusOK, &RegionResponse{Entry: entry})
}

// completed takes a RegionFileCompleted event from the generation engine.
//
//	POST /v1/regions/completed
func (h *handler) completed(c *gin.Context) {
	// only JSON; a cross-origin form post cannot set this content type
	if c.ContentType() != gin.MIMEJSON {
		abortWithError(c, http.StatusUnsupportedMediaType, ErrCodeUnsupported,
			fmt.Errorf("content type must be %s", gin.MIMEJSON))
		return
	}

	var ev region.Completed
	if err := c.ShouldBindJSON(&ev); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	err := h.svc.OnRegionFileCompleted(ev)
	switch {
	case errors.Is(err, regionsync.ErrPipelineHalted):
		// recorded, will be synced after the fault is fixed and the daemon restarted
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeHalted, err)
		return
	case err != nil:
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	resp := &CompletedResponse{Code: CodeOk, Key: ev.Key()}
	if entry := h.svc.Entry(ev.Key()); entry != nil {
		resp.State = entry.State
	}
	c.PureJSON(http.StatusAccepted, resp)
}

//	GET /v1/failed
func (h *handler) failed(c *gin.Context) {
	entries := h.svc.Failed()
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.PureJSON(http.StatusOK, &FailedResponse{Entries: entries})
}

//	POST /v1/retry
func (h *handler) retry(c *gin.Context) {
	n, err := h.svc.RetryFailed()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, &CountResponse{Code: CodeOk, Count: n})
}

//	POST /v1/clear
func (h *handler) clear(c *gin.Context) {
	n, err := h.svc.ClearFinished()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, &CountResponse{Code: CodeOk, Count: n})
}

func index(c *gin.Context) {
	c.JSON(http.StatusOK, version.DetailedWithApp())
}
