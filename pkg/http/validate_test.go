package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listRequest struct {
	Limit int    `query:"limit" default:"10" validate:"gte=1,lte=100"`
	Side  string `query:"side" default:"buy" validate:"oneof=buy sell"`
}

func newContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestReadAndValidateRequestDefaults(t *testing.T) {
	c, _ := newContext("/")
	req := &listRequest{}
	require.Nil(t, ReadAndValidateRequest(c, req))
	assert.Equal(t, 10, req.Limit)
	assert.Equal(t, "buy", req.Side)
}

func TestReadAndValidateRequestReportsQueryNames(t *testing.T) {
	c, _ := newContext("/?limit=500&side=hold")
	errs := ReadAndValidateRequest(c, &listRequest{})
	require.Len(t, errs, 2)

	assert.Equal(t, "limit", errs[0].Field)
	assert.Equal(t, "ERR_LTE", errs[0].Code)
	assert.Equal(t, "100", errs[0].Params["max"])

	assert.Equal(t, "side", errs[1].Field)
	assert.Equal(t, "ERR_ONEOF", errs[1].Code)
	assert.Equal(t, []string{"buy", "sell"}, errs[1].Params["options"])
}

func TestReadAndValidateRequestBindError(t *testing.T) {
	c, _ := newContext("/?limit=many")
	errs := ReadAndValidateRequest(c, &listRequest{})
	require.Len(t, errs, 1)
	assert.Equal(t, "ERR_BIND", errs[0].Code)
}

func TestParseTimeRange(t *testing.T) {
	from, to, err := ParseTimeRange("", "")
	require.Nil(t, err)
	assert.True(t, from.IsZero())
	assert.True(t, to.IsZero())

	from, to, err = ParseTimeRange("2024-10-10T10:00:00Z", "1728561600000")
	require.Nil(t, err)
	assert.Equal(t, time.Date(2024, 10, 10, 10, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.UnixMilli(1728561600000).UTC(), to)

	_, _, err = ParseTimeRange("soon", "")
	require.NotNil(t, err)
	assert.Equal(t, "from", err.Field)
	assert.Equal(t, http.StatusBadRequest, err.Status)

	_, _, err = ParseTimeRange("2024-10-11T00:00:00Z", "2024-10-10T00:00:00Z")
	require.NotNil(t, err)
	assert.Equal(t, "from must be <= to", err.Message)
}

func TestAppErrorResponse(t *testing.T) {
	c, rec := newContext("/")
	require.NoError(t, AppErrorResponse(c, TooManyRequestsError("upstream")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Status int        `json:"status"`
		Data   []AppError `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "ERR_RATE_LIMITED", body.Data[0].Code)

	c, rec = newContext("/")
	require.NoError(t, AppErrorResponse(c, assert.AnError))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
