package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/dosage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCalcCrCl(t *testing.T) {
	out, err := run(t, "calc", "crcl", "--age", "75", "--weight", "60", "--scr", "1.8", "--sex", "male")
	require.NoError(t, err)

	var res dosage.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.InDelta(t, 30.09, res.Rounded(2), 1e-9)
	require.Equal(t, "mL/min", res.Unit)
}

func TestCalcCrClRejectsBadSex(t *testing.T) {
	_, err := run(t, "calc", "crcl", "--age", "75", "--weight", "60", "--scr", "1.8", "--sex", "x")
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestCalcConvert(t *testing.T) {
	out, err := run(t, "calc", "convert", "0.5", "g", "mg")
	require.NoError(t, err)

	var res dosage.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.InDelta(t, 500, res.Value, 1e-9)

	_, err = run(t, "calc", "convert", "abc", "g", "mg")
	require.Error(t, err)
}

func TestKnowledgeValidateEmbedded(t *testing.T) {
	out, err := run(t, "knowledge", "validate")
	require.NoError(t, err)

	var counts map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	require.Positive(t, counts["formulary"])
	require.Positive(t, counts["interactions"])
}

func TestPrintLagIsSorted(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printLag(&out, map[string]map[int32]int64{
		"order.gateway-status": {1: 4, 0: 2},
		"dead.letter":          {0: 0},
	}))
	require.Equal(t, "dead.letter\t0\t0\norder.gateway-status\t0\t2\norder.gateway-status\t1\t4\n", out.String())
}
