package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"run_id": "r1"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp Response
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("INVALID_CATALOG", "schema validation failed")
	require.NoError(t, err)

	var resp Response
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_CATALOG", resp.Error.Code)
	assert.Equal(t, "schema validation failed", resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("run r1 state=READY")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "run r1 state=READY")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error("INVALID_CATALOG", "schema validation failed")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "INVALID_CATALOG")
	assert.Contains(t, buf.String(), "schema validation failed")
}

func TestExitError(t *testing.T) {
	wrapped := WrapExitError(ExitCommandError, "missing required --config", nil)
	assert.Equal(t, "missing required --config", wrapped.Error())
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))

	inner := errors.New("boom")
	wrapped = WrapExitError(ExitFailure, "submit failed", inner)
	assert.Contains(t, wrapped.Error(), "boom")
	assert.ErrorIs(t, wrapped, inner)
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))

	// A bare error defaults to the generic failure code.
	assert.Equal(t, ExitFailure, GetExitCode(inner))
}
