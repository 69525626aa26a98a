package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleErrorStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err     error
		status  int
		message string
	}{
		{fmt.Errorf("unit7: %w", ErrNotFound), http.StatusNotFound, "unit7: resource not found"},
		{ErrInvalidUnitID, http.StatusBadRequest, ErrInvalidUnitID.Error()},
		{ErrBatchTooLarge, http.StatusBadRequest, ErrBatchTooLarge.Error()},
		{ErrStoreUnhealthy, http.StatusServiceUnavailable, ErrStoreUnhealthy.Error()},
		{errors.New("dial tcp: refused"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Set("request_id", "req-1")

		HandleError(c, tc.err)

		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		var body Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tc.status, body.Code)
		assert.Equal(t, tc.message, body.Message)
		assert.Equal(t, "req-1", body.RequestID)
		assert.True(t, c.IsAborted())
	}
}
