package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSealThenApplyOnAnotherTerminal(t *testing.T) {
	outbox := filepath.Join(t.TempDir(), "outbox.jsonl")
	terminalA := t.TempDir()
	terminalB := t.TempDir()

	for _, args := range [][]string{
		{"seal", "inc", "cash", "drawer", "500"},
		{"seal", "dec", "cash", "drawer", "120"},
		{"seal", "set", "product", "sku-1", "Coffee"},
		{"seal", "assign", "product_price_usd", "sku-1", "4.20"},
		{"seal", "add", "sale_items", "sale-1", "apple"},
		{"seal", "insert", "notes", "n-1", "0", "call supplier"},
	} {
		args = append(args, "--data", terminalA, "--node", "A", "--out", outbox)
		_, err := execute(t, args...)
		require.NoError(t, err, args)
	}

	out, err := execute(t, "apply", outbox, "--data", terminalB, "--node", "B", "--backend", "sqlite", "--format", "json")
	require.NoError(t, err)

	var rows []valueRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	got := map[string]any{}
	for _, row := range rows {
		got[row.Entity+"/"+row.EntityID] = row.Value
	}
	assert.Equal(t, float64(380), got["cash/drawer"])
	assert.Equal(t, "Coffee", got["product/sku-1"])
	assert.Equal(t, []any{"4.20"}, got["product_price_usd/sku-1"])
	assert.Equal(t, []any{"apple"}, got["sale_items/sale-1"])
	assert.Equal(t, []any{"call supplier"}, got["notes/n-1"])

	// applying the same outbox again changes nothing
	again, err := execute(t, "apply", outbox, "--data", terminalB, "--node", "B", "--backend", "sqlite", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, out, again)

	text, err := execute(t, "values", "--data", terminalA)
	require.NoError(t, err)
	assert.Contains(t, text, "cash")
	assert.Contains(t, text, "380")
}

func TestSeal_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "seal", "bump", "cash", "drawer", "--data", dir)
	assert.ErrorContains(t, err, "unknown op")

	_, err = execute(t, "seal", "inc", "cash", "drawer", "x", "--data", dir)
	assert.ErrorContains(t, err, "invalid amount")

	_, err = execute(t, "seal", "inc", "cash", "drawer", "--data", dir)
	assert.Error(t, err)

	_, err = execute(t, "seal", "inc", "product", "sku-1", "1", "--data", dir)
	assert.ErrorContains(t, err, "type mismatch")
}

func TestRoot_ValidatesFlags(t *testing.T) {
	_, err := execute(t, "values", "--format", "yaml", "--backend", "memory")
	assert.ErrorContains(t, err, "invalid format")

	_, err = execute(t, "values", "--backend", "etcd")
	assert.ErrorContains(t, err, "invalid backend")
}

func TestReadEnvelopes(t *testing.T) {
	line := `{"entity":"cash","entity_id":"d","store_id":"s","delta_id":"1","request_id":"r","causal_clock":0,"hash":"h","payload":"AQ=="}`

	envs, err := readEnvelopes(strings.NewReader(line + "\n" + line + "\n"))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, []byte{1}, envs[0].Payload)

	envs, err = readEnvelopes(strings.NewReader("  [" + line + "]"))
	require.NoError(t, err)
	assert.Len(t, envs, 1)

	envs, err = readEnvelopes(strings.NewReader("\n"))
	require.NoError(t, err)
	assert.Empty(t, envs)

	_, err = readEnvelopes(strings.NewReader("{not json"))
	assert.Error(t, err)
}
